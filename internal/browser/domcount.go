package browser

import (
	"slices"
	"strings"

	"golang.org/x/net/html"
)

// CountMarkers counts chart markers in serialized page HTML. It only
// understands the simple selector forms in Selectors.
func CountMarkers(doc string) (DOMCounts, error) {
	var counts DOMCounts
	root, err := html.Parse(strings.NewReader(doc))
	if err != nil {
		return counts, err
	}

	for n := range root.Descendants() {
		if n.Type != html.ElementNode {
			continue
		}
		switch n.Data {
		case "canvas":
			counts.Matplotlib.Canvas++
		case "img":
			counts.Matplotlib.Img++
		case "div":
			if hasClass(n, "js-plotly-plot") {
				counts.Plotly.PlotlyDivs++
			}
		}
		if attr(n, "role") == "graphics-document" {
			counts.Altair.GraphicsDocs++
		}
		if hasClass(n, "bk-root") {
			counts.Bokeh.BkRoot++
		}
	}
	return counts, nil
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Namespace == "" && a.Key == key {
			return a.Val
		}
	}
	return ""
}

func hasClass(n *html.Node, class string) bool {
	return slices.Contains(strings.Fields(attr(n, "class")), class)
}
