package agent

import (
	"errors"
	"net/http"

	"github.com/elazarl/goproxy"
)

// NewForwardProxy returns an HTTP forward proxy that routes every plain HTTP
// request through reg, the way a browser worker sees all page traffic.
// CONNECT tunnels are passed through untouched.
func NewForwardProxy(reg *Registration) *goproxy.ProxyHttpServer {
	proxy := goproxy.NewProxyHttpServer()

	proxy.OnRequest().DoFunc(func(req *http.Request, ctx *goproxy.ProxyCtx) (*http.Request, *http.Response) {
		out := req.Clone(req.Context())
		out.RequestURI = ""
		removeHopHeaders(out.Header)

		resp, err := reg.Handle(out)
		if err != nil {
			ctx.Warnf("offline agent: %v", err)
			errResp := goproxy.NewResponse(req, goproxy.ContentTypeText, StatusForError(err), http.StatusText(StatusForError(err)))
			if errors.Is(err, ErrNoResponse) {
				errResp.Header.Set(HeaderOfflineAgent, "no-response")
			}
			return req, errResp
		}
		resp.Request = req
		return req, resp
	})

	return proxy
}
