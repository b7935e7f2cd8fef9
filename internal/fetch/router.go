package fetch

import "context"

// Router sends direct-file requests to Direct and everything else to the
// media tool.
type Router struct {
	Media  Fetcher
	Direct Fetcher
}

// NewRouter builds the default fetcher: yt-dlp at ytdlpPath plus the
// built-in HTTP fetcher.
func NewRouter(ytdlpPath string) *Router {
	return &Router{Media: NewYtDlp(ytdlpPath), Direct: NewDirect()}
}

func (r *Router) pick(req Request) Fetcher {
	if req.Options.Direct && r.Direct != nil {
		return r.Direct
	}
	return r.Media
}

func (r *Router) Start(ctx context.Context, req Request) (<-chan Event, error) {
	return r.pick(req).Start(ctx, req)
}

func (r *Router) Title(ctx context.Context, req Request) string {
	return r.pick(req).Title(ctx, req)
}

func (r *Router) ResolveOutput(ctx context.Context, req Request, title string) string {
	return r.pick(req).ResolveOutput(ctx, req, title)
}
