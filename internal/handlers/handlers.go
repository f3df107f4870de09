// Package handlers implements the gateway's HTTP surface: the generic
// host-proxy handler behind every dynamically registered endpoint, static
// file serving with DELETE gating, multipart upload with gating and
// optional print-start, the one-shot access-token endpoint, and the
// /api/version OctoPrint emulation. Each mirrors the matching
// RequestHandler subclass in app.py.
package handlers

import (
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/nullstream/moongate/internal/auth"
	"github.com/nullstream/moongate/internal/correlator"
	"github.com/nullstream/moongate/internal/gatewayerr"
	"github.com/nullstream/moongate/internal/registry"
)

// HostConn supplies the current host connection, or a true nil
// correlator.Sender when not connected. Implementations must return an
// untyped nil (not a nil *transport.Conn boxed in the interface) so the
// nil check in correlator.Request behaves correctly.
type HostConn interface {
	Current() correlator.Sender
}

// FilelistNotifier is invoked after a file is added or removed so the
// gateway can ask the host for a fresh file list and emit a
// notify_filelist_changed event, mirroring notify_filelist_changed.
type FilelistNotifier interface {
	NotifyFilelistChanged(ctx context.Context, filename, action string)
}

// Deps bundles everything handlers need; passed once at registration time.
type Deps struct {
	Correlator *correlator.Correlator
	Host       HostConn
	Auth       Authorizer
	Notifier   FilelistNotifier
}

// Authorizer is the subset of auth.Authorizer handlers call directly.
type Authorizer interface {
	CheckAuthorized(r *http.Request) error
	ApplyCORSHeaders(w http.ResponseWriter)
	EnableCORS() bool
}

var _ Authorizer = (*auth.Authorizer)(nil)

// writeJSON writes v as the {"result": v} envelope every successful
// KlippyRequestHandler response uses.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{"result": v})
}

func writeError(w http.ResponseWriter, err error) {
	gerr, ok := gatewayerr.As(err)
	if !ok {
		gerr = gatewayerr.Internal(err.Error())
	}
	http.Error(w, gerr.Message, gerr.Status)
}

// applyCommonHeaders runs the authorization check and CORS header logic
// shared by every authorized handler, mirroring AuthorizedRequestHandler's
// prepare/set_default_headers/options trio. Returns false (and has already
// written a response) if the request should not proceed.
func applyCommonHeaders(w http.ResponseWriter, r *http.Request, az Authorizer) bool {
	az.ApplyCORSHeaders(w)
	if r.Method == http.MethodOptions {
		if az.EnableCORS() {
			w.WriteHeader(http.StatusNoContent)
		} else {
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
		return false
	}
	if err := az.CheckAuthorized(r); err != nil {
		writeError(w, err)
		return false
	}
	return true
}

// HostProxy builds the generic proxy handler for ep, mirroring
// KlippyRequestHandler._process_http_request: parse query args, make_request,
// wait, translate a ServerError into the matching HTTP status.
func HostProxy(deps Deps, ep *registry.Endpoint) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !applyCommonHeaders(w, r, deps.Auth) {
			return
		}

		args := map[string]interface{}{}
		if r.URL.RawQuery != "" {
			parsed, err := ep.ArgParser(r)
			if err != nil {
				writeError(w, err)
				return
			}
			args = parsed
		}

		res, err := deps.Correlator.Request(r.Context(), deps.Host.Current(), r.URL.Path, r.Method, args)
		if err != nil {
			writeError(w, err)
			return
		}
		if res.Err != nil {
			writeError(w, res.Err)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(wrapResult(res.Response))
	})
}

func wrapResult(raw json.RawMessage) []byte {
	out, err := json.Marshal(struct {
		Result json.RawMessage `json:"result"`
	}{Result: raw})
	if err != nil {
		return []byte(`{"result":null}`)
	}
	return out
}

// StaticFile serves one file under root, named by relPath (the registry's
// regex capture of the dynamic portion of the route, not the raw request
// path, since root is only the directory the pattern was registered against),
// and gates DELETE through gatingPath (the host is asked whether the file is
// currently in use before removal), mirroring FileRequestHandler.delete.
// GET/HEAD fall through to http.ServeFile, since the host has no veto over
// reads.
func StaticFile(deps Deps, root, relPath, gatingPath string, methods []string) http.Handler {
	allowed := toSet(methods)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !applyCommonHeaders(w, r, deps.Auth) {
			return
		}
		if _, ok := allowed[r.Method]; !ok {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}

		absPath, ok := resolveUnderRoot(root, relPath)
		if !ok {
			writeError(w, gatewayerr.BadRequest("invalid path"))
			return
		}

		switch r.Method {
		case http.MethodDelete:
			deleteStaticFile(w, r, deps, absPath, gatingPath)
		default:
			w.Header().Set("Content-Disposition", `attachment; filename=`+filepath.Base(absPath))
			http.ServeFile(w, r, absPath)
		}
	})
}

// resolveUnderRoot joins rel onto root and reports whether the result still
// lives under root, rejecting "../" escapes.
func resolveUnderRoot(root, rel string) (string, bool) {
	abs := filepath.Join(root, filepath.Clean("/"+rel))
	return abs, strings.HasPrefix(abs, filepath.Clean(root))
}

func deleteStaticFile(w http.ResponseWriter, r *http.Request, deps Deps, absPath, gatingPath string) {
	res, err := deps.Correlator.Request(r.Context(), deps.Host.Current(), gatingPath, r.Method,
		map[string]interface{}{"filename": absPath})
	if err != nil {
		writeError(w, err)
		return
	}
	if res.Err != nil {
		if gerr, ok := gatewayerr.As(res.Err); ok && gerr.Status == 403 {
			writeError(w, gatewayerr.Forbidden("File is loaded, DELETE not permitted"))
			return
		}
	}

	if err := os.Remove(absPath); err != nil {
		writeError(w, gatewayerr.Internal("unable to remove file"))
		return
	}
	filename := filepath.Base(absPath)
	if deps.Notifier != nil {
		deps.Notifier.NotifyFilelistChanged(r.Context(), filename, "removed")
	}
	writeJSON(w, http.StatusOK, filename)
}

func toSet(items []string) map[string]struct{} {
	m := make(map[string]struct{}, len(items))
	for _, it := range items {
		m[it] = struct{}{}
	}
	return m
}

// Upload handles multipart file uploads with gating and optional print
// start, mirroring FileUploadHandler.post exactly: the host is first asked
// whether the target filename is in use; on a 403 the upload is rejected,
// on any other host error the print-start is silently disabled (the upload
// still proceeds, since it's deemed safe), and finally the file is written
// and, if requested, a /printer/print/start request is made.
func Upload(deps Deps, root, gatingPath string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !applyCommonHeaders(w, r, deps.Auth) {
			return
		}
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}

		if err := r.ParseMultipartForm(200 << 20); err != nil {
			writeError(w, gatewayerr.BadRequest("Bad Request, can only process a single file upload"))
			return
		}

		startPrint := strings.EqualFold(r.FormValue("print"), "true")

		file, header, err := singleUploadedFile(r)
		if err != nil {
			writeError(w, err)
			return
		}
		defer file.Close()

		filename := strings.Join(strings.Fields(header.Filename), "_")
		fullPath := filepath.Join(root, filename)

		res, err := deps.Correlator.Request(r.Context(), deps.Host.Current(), gatingPath, r.Method,
			map[string]interface{}{"filename": fullPath})
		if err != nil {
			writeError(w, err)
			return
		}
		if res.Err != nil {
			if gerr, ok := gatewayerr.As(res.Err); ok && gerr.Status == 403 {
				writeError(w, gatewayerr.Forbidden("File is loaded, upload not permitted"))
				return
			}
			startPrint = false
		} else {
			var body struct {
				PrintOngoing bool `json:"print_ongoing"`
			}
			if err := json.Unmarshal(res.Response, &body); err == nil && body.PrintOngoing {
				startPrint = false
			}
		}

		out, err := os.Create(fullPath)
		if err != nil {
			writeError(w, gatewayerr.Internal("Unable to save file"))
			return
		}
		if _, err := io.Copy(out, file); err != nil {
			out.Close()
			writeError(w, gatewayerr.Internal("Unable to save file"))
			return
		}
		out.Close()

		if deps.Notifier != nil {
			deps.Notifier.NotifyFilelistChanged(r.Context(), filename, "added")
		}

		if startPrint {
			printRes, err := deps.Correlator.Request(r.Context(), deps.Host.Current(),
				"/printer/print/start", http.MethodPost, map[string]interface{}{"filename": filename})
			if err != nil {
				writeError(w, err)
				return
			}
			if printRes.Err != nil {
				writeError(w, printRes.Err)
				return
			}
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"result":        filename,
			"print_started": startPrint,
		})
	})
}

func singleUploadedFile(r *http.Request) (multipart.File, *multipart.FileHeader, error) {
	if r.MultipartForm == nil || len(r.MultipartForm.File) != 1 {
		return nil, nil, gatewayerr.BadRequest("Bad Request, can only process a single file upload")
	}
	for _, headers := range r.MultipartForm.File {
		if len(headers) != 1 {
			return nil, nil, gatewayerr.BadRequest("Bad Request, can only process a single file upload")
		}
		f, err := headers[0].Open()
		if err != nil {
			return nil, nil, gatewayerr.Internal("unable to read upload")
		}
		return f, headers[0], nil
	}
	return nil, nil, gatewayerr.BadRequest("Bad Request, can only process a single file upload")
}

// LogFile serves a single fixed file (the /server/moonraker.log route),
// unlike StaticFile which serves a whole directory of dynamically named
// files. http.ServeFile is given the configured path directly rather than
// an http.Dir root, since there is no relative name to resolve.
func LogFile(deps Deps, path string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !applyCommonHeaders(w, r, deps.Auth) {
			return
		}
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		w.Header().Set("Content-Disposition", `attachment; filename=`+filepath.Base(path))
		http.ServeFile(w, r, path)
	})
}

// Token serves the one-shot access token endpoint, mirroring
// TokenRequestHandler.get.
func Token(deps Deps, authz *auth.Authorizer) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !applyCommonHeaders(w, r, deps.Auth) {
			return
		}
		tok, err := authz.GetAccessToken()
		if err != nil {
			writeError(w, gatewayerr.Internal("unable to generate token"))
			return
		}
		writeJSON(w, http.StatusOK, tok)
	})
}

// octoprintVersion is hard-coded the same way EmulateOctoprintHandler.get
// is: fixed version strings rather than reading an actual OctoPrint install.
const (
	octoprintServerVersion = "1.1.1"
	octoprintAPIVersion    = "0.1"
)

// APIVersion serves /api/version, mirroring EmulateOctoprintHandler.get.
func APIVersion(deps Deps) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !applyCommonHeaders(w, r, deps.Auth) {
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{
			"server": octoprintServerVersion,
			"api":    octoprintAPIVersion,
			"text":   "OctoPrint Upload Emulator",
		})
	})
}
