package document

import (
	"fmt"
	"strings"

	"golang.org/x/net/html"
)

// ImageFragment is the markup appended when an image search result is added
// to a document. An empty document gets a leading line break.
func ImageFragment(link string, leadingBreak bool) string {
	var b strings.Builder
	if leadingBreak {
		b.WriteString("<br />")
	}
	fmt.Fprintf(&b, `<img src="%s" class="image" style="width:100%%;"></img>`, html.EscapeString(link))
	return b.String()
}

// VideoFragment renders a video search result as a card: thumbnail on the
// left, title and link on the right.
func VideoFragment(link, thumbnail, title string) string {
	link = html.EscapeString(link)
	return fmt.Sprintf(`<div class="video" style="display:flex; margin: .5rem 0;position:relative;">`+
		`<img src="%s" class="video-image" style="width:8rem; max-width: 8rem; border-radius: 5px;" alt="" />`+
		`<div style="margin-left: .5rem">`+
		`<p style="font-weight:600;">%s</p>`+
		`<a style="text-decoration:underline; color: blue; font-size: .8rem;" href="%s">%s</a>`+
		`</div></div>`,
		html.EscapeString(thumbnail), html.EscapeString(title), link, link)
}
