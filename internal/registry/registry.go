// Package registry implements the dynamic endpoint table the host populates
// at runtime via add_hook. Each entry matches either a literal path or a
// regex-capturing path, carries the set of allowed HTTP methods, and
// selects an argument parser for the query string. Mirrors app.py's
// MutableRouter plus register_hook/_get_arg_parser.
package registry

import (
	"net/http"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/nullstream/moongate/internal/gatewayerr"
)

// ArgParser turns an incoming request's query string into the args map
// forwarded to the host, mirroring _default_parser/_status_parser.
type ArgParser func(r *http.Request) (map[string]interface{}, error)

// HandlerKind selects which HTTP handler an endpoint is served by, mirroring
// app.py's request_handlers table (handler name -> class).
type HandlerKind string

const (
	HandlerKlippy HandlerKind = "KlippyRequestHandler"
	HandlerFile   HandlerKind = "FileRequestHandler"
	HandlerUpload HandlerKind = "FileUploadHandler"
	HandlerToken  HandlerKind = "TokenRequestHandler"
)

// Endpoint is one registered route.
type Endpoint struct {
	Pattern   string
	Methods   []string
	Handler   HandlerKind
	ArgParser ArgParser
	Extras    map[string]interface{} // handler-specific params, e.g. file path root

	re *regexp.Regexp // non-nil when Pattern contains regex metacharacters
}

// Match reports whether path matches this endpoint's pattern, returning any
// named/positional capture groups (used by file handlers to recover the
// requested sub-path).
func (e *Endpoint) Match(path string) (captures []string, ok bool) {
	if e.re != nil {
		m := e.re.FindStringSubmatch(path)
		if m == nil {
			return nil, false
		}
		return m[1:], true
	}
	return nil, e.Pattern == path
}

func (e *Endpoint) allows(method string) bool {
	for _, m := range e.Methods {
		if m == method {
			return true
		}
	}
	return false
}

// isLiteral reports whether pattern has no regex metacharacters, in which
// case it is matched with a plain string comparison (faster, and avoids
// surprising regex behaviour for ordinary paths like "/printer/objects").
func isLiteral(pattern string) bool {
	return !strings.ContainsAny(pattern, `\^$.|?*+()[]{}`)
}

// Registry is the mutable endpoint table. Registration/removal happens
// concurrently with lookups (the host can push add_hook at any time), so all
// access is mutex-guarded, mirroring MutableRouter's role as the single
// mutable piece of an otherwise-static Tornado rule router.
type Registry struct {
	mu   sync.RWMutex
	byID map[string]*Endpoint // keyed by Pattern; add_handler replaces by pattern
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{byID: make(map[string]*Endpoint)}
}

// Add registers or replaces the endpoint for pattern, exactly like
// MutableRouter.add_handler (a second AddHook for the same pattern replaces
// the first rather than erroring or duplicating).
func (r *Registry) Add(ep *Endpoint) error {
	if ep.ArgParser == nil {
		ep.ArgParser = DefaultParser
	}
	if !isLiteral(ep.Pattern) {
		re, err := regexp.Compile("^" + ep.Pattern + "$")
		if err != nil {
			return err
		}
		ep.re = re
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byID[ep.Pattern] = ep
	return nil
}

// Remove deletes the endpoint registered under pattern, if any.
func (r *Registry) Remove(pattern string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.byID, pattern)
}

// Has reports whether pattern currently has a registered endpoint.
func (r *Registry) Has(pattern string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.byID[pattern]
	return ok
}

// Lookup finds the endpoint whose pattern matches path, returning a 404-class
// gatewayerr.Error when nothing matches and a 405-class one when a pattern
// matches but method is not allowed, mirroring KlippyRequestHandler.get/
// post/delete each raising HTTPError(405) when the method wasn't registered
// for that pattern.
func (r *Registry) Lookup(path, method string) (*Endpoint, []string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var patternMatched *Endpoint
	var captures []string
	for _, ep := range r.byID {
		if c, ok := ep.Match(path); ok {
			patternMatched = ep
			captures = c
			break
		}
	}
	if patternMatched == nil {
		return nil, nil, gatewayerr.Validation("Unknown endpoint: " + path)
	}
	if !patternMatched.allows(method) {
		return nil, nil, gatewayerr.New(gatewayerr.KindValidation, 405, "Method not allowed")
	}
	return patternMatched, captures, nil
}

// Patterns returns every currently-registered pattern, sorted, mostly useful
// for diagnostics and tests.
func (r *Registry) Patterns() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.byID))
	for p := range r.byID {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// DefaultParser mirrors _default_parser: every query key must have exactly
// one value, otherwise the whole request is rejected with a 404.
func DefaultParser(r *http.Request) (map[string]interface{}, error) {
	q := r.URL.Query()
	args := make(map[string]interface{}, len(q))
	for key, vals := range q {
		if len(vals) != 1 {
			return nil, gatewayerr.Validation("Invalid Query String")
		}
		args[key] = vals[0]
	}
	return args, nil
}

// StatusParser mirrors _status_parser: each value is comma-split and all
// resulting tokens flattened into a single string slice per key, used by
// status-subscription endpoints like /printer/objects.
func StatusParser(r *http.Request) (map[string]interface{}, error) {
	q := r.URL.Query()
	args := make(map[string]interface{}, len(q))
	for key, vals := range q {
		var parsed []string
		for _, v := range vals {
			for _, tok := range strings.Split(v, ",") {
				if tok != "" {
					parsed = append(parsed, tok)
				}
			}
		}
		args[key] = parsed
	}
	return args, nil
}

// ParserByName resolves the arg_parser extra string pushed by add_hook
// ("default_parser"/"status_parser") to a concrete ArgParser, mirroring
// MoonrakerApp._get_arg_parser.
func ParserByName(name string) ArgParser {
	if name == "status_parser" {
		return StatusParser
	}
	return DefaultParser
}
