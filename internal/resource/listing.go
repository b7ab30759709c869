package resource

import (
	"html"
	"strings"

	"github.com/dustin/go-humanize"
)

// ListingContentType is the Content-Type of a generated directory listing.
const ListingContentType = "text/html"

// ListingHTML renders an HTML listing of a directory Entry requested as
// webPath. Links are built as webPath + "/" + name, with a trailing slash for
// subdirectories.
func ListingHTML(webPath string, dir Entry) []byte {
	base := strings.TrimSuffix(webPath, "/")

	var sb strings.Builder
	sb.WriteString("<html><body>")
	sb.WriteString("<h1>Directory listing for ")
	sb.WriteString(html.EscapeString(webPath))
	sb.WriteString("</h1><ul>")
	for _, c := range dir.Children {
		name := html.EscapeString(c.Name)
		href := html.EscapeString(base + "/" + c.Name)
		if c.Dir {
			sb.WriteString(`<li><a href="` + href + `/">` + name + `/</a></li>`)
			continue
		}
		sb.WriteString(`<li><a href="` + href + `">` + name + `</a> (` + humanize.Bytes(uint64(c.Size)) + `)</li>`)
	}
	sb.WriteString("</ul></body></html>")
	return []byte(sb.String())
}
