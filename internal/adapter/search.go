package adapter

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/smarzola/ldapgate/internal/backend"
	"github.com/smarzola/ldapgate/internal/metrics"
	"github.com/smarzola/ldapgate/internal/models"
)

// Emitter receives search results as they are produced. An error stops
// the search.
type Emitter interface {
	Entry(entry *models.Entry) error
	Reference(uris []string) error
}

// Search dispatches a search and streams its results to emit. Entries sent
// before a failure are not retracted; the final status reflects the
// failure.
func (a *Adapter) Search(ctx context.Context, connID int64, spec models.SearchSpec, emit Emitter) Result {
	const op = "search"
	started := time.Now()

	release, err := a.attach(ctx)
	if err != nil {
		return a.finish(op, connID, started, fail(err))
	}
	defer release()

	if !spec.Scope.Valid() {
		return a.finish(op, connID, started, fail(&backend.TranslationError{Field: "scope", Err: errors.New(spec.Scope.String())}))
	}
	baseDN, err := translateDN("base", spec.BaseDN)
	if err != nil {
		return a.finish(op, connID, started, fail(err))
	}

	sess, err := a.session(ctx, connID)
	if err != nil {
		return a.finish(op, connID, started, fail(err))
	}

	controls := a.controls(spec)

	var stream backend.ResultStream
	err = guard(op, func() (err error) {
		stream, err = sess.Search(ctx, baseDN, spec.Filter, controls)
		if err == nil && stream == nil {
			err = errors.New("backend returned no result stream")
		}
		return err
	})
	if err != nil {
		return a.finish(op, connID, started, fail(err))
	}

	return a.finish(op, connID, started, a.drain(ctx, connID, spec, controls.SizeLimit, stream, emit))
}

// controls builds the backend search controls. The effective size limit
// is the smaller non-zero of the client and server limits.
func (a *Adapter) controls(spec models.SearchSpec) backend.SearchControls {
	limit := spec.SizeLimit
	if a.sizeLimit > 0 && (limit == 0 || a.sizeLimit < limit) {
		limit = a.sizeLimit
	}
	return backend.SearchControls{
		Scope:      spec.Scope,
		SizeLimit:  limit,
		TimeLimit:  spec.TimeLimit,
		Attributes: append([]string(nil), spec.Attributes...),
		TypesOnly:  spec.TypesOnly,
	}
}

func (a *Adapter) drain(ctx context.Context, connID int64, spec models.SearchSpec, limit int, stream backend.ResultStream, emit Emitter) Result {
	const op = "search"
	emitted := 0

	for {
		var more bool
		if err := guard(op, func() (err error) {
			more, err = stream.HasNext(ctx)
			return err
		}); err != nil {
			a.abandon(connID, stream)
			return fail(err)
		}
		if !more {
			break
		}

		// The limit is only exceeded when a further result exists, and
		// that result is never fetched, even if it would be a referral.
		if limit > 0 && emitted >= limit {
			code := a.returnCode(stream)
			a.abandon(connID, stream)
			a.logger.Debug("Search size limit exceeded", "conn", connID, "limit", limit, "backend_status", code.String())
			return Result{Status: backend.SizeLimitExceeded}
		}

		var res *backend.SearchResult
		if err := guard(op, func() (err error) {
			res, err = stream.Next(ctx)
			if err == nil && res == nil {
				err = errors.New("backend returned an empty search result")
			}
			return err
		}); err != nil {
			a.abandon(connID, stream)
			return fail(err)
		}

		entry, err := a.BuildEntry(res)
		if err != nil {
			a.abandon(connID, stream)
			return fail(err)
		}

		if entry.IsReferral() {
			refs := entry.Strings("ref")
			uris := make([]string, len(refs))
			for i, ref := range refs {
				uris[i] = RewriteReferral(ref, entry.DN, spec.Scope)
			}
			if err := emit.Reference(uris); err != nil {
				a.abandon(connID, stream)
				return fail(err)
			}
			metrics.SearchResult(metrics.ResultReference)
			continue
		}

		if err := emit.Entry(a.selectAttributes(entry, spec)); err != nil {
			a.abandon(connID, stream)
			return fail(err)
		}
		metrics.SearchResult(metrics.ResultEntry)
		emitted++
	}

	var code backend.StatusCode
	if err := guard(op, func() error {
		code = stream.ReturnCode()
		return nil
	}); err != nil {
		return fail(err)
	}
	return Result{Status: code}
}

func (a *Adapter) abandon(connID int64, stream backend.ResultStream) {
	if err := guard("abandon", stream.Abandon); err != nil {
		a.logger.Warn("Failed to abandon search stream", "conn", connID, "error", err)
	}
}

func (a *Adapter) returnCode(stream backend.ResultStream) backend.StatusCode {
	var code backend.StatusCode
	_ = guard("search", func() error {
		code = stream.ReturnCode()
		return nil
	})
	return code
}

// selectAttributes applies the requested attribute list and the
// types-only flag. "*" selects user attributes, "+" operational ones and
// "1.1" alone selects none.
func (a *Adapter) selectAttributes(entry *models.Entry, spec models.SearchSpec) *models.Entry {
	allUser := spec.SelectsAll()
	allOperational := false
	named := make(map[string]bool, len(spec.Attributes))
	for _, attr := range spec.Attributes {
		switch attr {
		case "+":
			allOperational = true
		case "1.1", "*":
		default:
			if d, err := a.schema.Resolve(attr); err == nil {
				named[strings.ToLower(d.Type.Name)] = true
			}
			named[strings.ToLower(stripOptions(attr))] = true
		}
	}

	out := models.NewEntry(entry.DN)
	for _, attr := range entry.Attributes {
		operational := a.schema.IsOperational(attr.Name)
		include := named[strings.ToLower(stripOptions(attr.Name))]
		if !include {
			if d, err := a.schema.Resolve(attr.Name); err == nil {
				include = named[strings.ToLower(d.Type.Name)]
			}
		}
		if !include {
			include = (allUser && !operational) || (allOperational && operational)
		}
		if !include {
			continue
		}

		if spec.TypesOnly {
			out.Attributes = append(out.Attributes, &models.Attribute{Name: attr.Name})
		} else {
			out.Attributes = append(out.Attributes, models.NewAttribute(attr.Name, attr.Values...))
		}
	}
	return out
}

func stripOptions(desc string) string {
	if i := strings.IndexByte(desc, ';'); i >= 0 {
		return desc[:i]
	}
	return desc
}
