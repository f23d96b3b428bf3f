package config

import (
	"strings"

	"github.com/gilliek/go-opml/opml"
)

// loadOPML flattens the subscription outlines of an OPML document. Folder
// outlines are walked, outlines without xmlUrl are ignored.
func loadOPML(path string) ([]TomlFeed, error) {
	doc, err := opml.NewOPMLFromFile(path)
	if err != nil {
		return nil, err
	}

	var feeds []TomlFeed
	var walk func([]opml.Outline)
	walk = func(outlines []opml.Outline) {
		for _, o := range outlines {
			if xmlURL := strings.TrimSpace(o.XMLURL); xmlURL != "" {
				name := strings.TrimSpace(o.Title)
				if name == "" {
					name = strings.TrimSpace(o.Text)
				}
				feeds = append(feeds, TomlFeed{Name: name, URL: xmlURL})
			}
			walk(o.Outlines)
		}
	}
	walk(doc.Body.Outlines)

	return feeds, nil
}
