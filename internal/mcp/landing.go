package mcp

import (
	"html/template"
	"net/http"
)

var landingTemplate = template.Must(template.New("landing").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>Citation Insight MCP Server</title>
<style>
  body { font-family: -apple-system, BlinkMacSystemFont, "Segoe UI", Roboto, sans-serif; background: #111827; color: #e5e7eb; display: flex; justify-content: center; padding: 3rem 1rem; }
  .card { max-width: 640px; width: 100%; background: #1f2937; border-radius: 10px; padding: 2rem; }
  h1 { margin-top: 0; font-size: 1.5rem; }
  h2 { font-size: 0.8rem; text-transform: uppercase; letter-spacing: 0.08em; color: #9ca3af; }
  code { font-family: Menlo, monospace; color: #a5b4fc; }
  a { color: #60a5fa; }
</style>
</head>
<body>
<div class="card">
  <h1>Citation Insight</h1>
  <p>Embedding, similarity search and citation analysis over the Model Context Protocol.</p>

  <h2>Tools</h2>
  <ul>
  {{- range .Tools}}
    <li><code>{{.}}</code></li>
  {{- end}}
  </ul>

  <h2>Endpoints</h2>
  <p><a href="/mcp"><code>/mcp</code></a> MCP Streamable HTTP</p>
  <p><a href="/health"><code>/health</code></a> Dependency health</p>
</div>
</body>
</html>`))

// NewLandingHandler returns an HTTP handler that serves the landing page at /,
// listing the tools registered on server.
func NewLandingHandler(server *Server) http.HandlerFunc {
	data := struct{ Tools []string }{Tools: server.Tools()}
	return func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		landingTemplate.Execute(w, data)
	}
}
