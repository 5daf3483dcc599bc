/*
Copyright © 2026 Benny Powers <web@bennypowers.com>

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program. If not, see <http://www.gnu.org/licenses/>.
*/
package trace

import (
	"bytes"
	"regexp"
	"strings"

	ts "github.com/tree-sitter/go-tree-sitter"
)

// ExtractScripts parses HTML content and extracts all script tags.
func ExtractScripts(content []byte) ([]ScriptTag, error) {
	qm, err := GetQueryManager()
	if err != nil {
		return nil, err
	}

	parser := getHTMLParser()
	defer putHTMLParser(parser)

	tree := parser.Parse(content, nil)
	defer tree.Close()

	query, err := qm.Query("html", "scriptTags")
	if err != nil {
		return nil, err
	}

	cursor := ts.NewQueryCursor()
	defer cursor.Close()

	var scripts []ScriptTag
	matches := cursor.Matches(query, tree.RootNode(), content)
	captureNames := query.CaptureNames()

	for {
		match := matches.Next()
		if match == nil {
			break
		}

		script := ScriptTag{}
		var currentAttrName string

		for _, capture := range match.Captures {
			name := captureNames[capture.Index]
			text := capture.Node.Utf8Text(content)

			switch name {
			case "attr.name":
				currentAttrName = text
			case "attr.value":
				switch currentAttrName {
				case "type":
					script.Type = text
				case "src":
					script.Src = text
				}
			case "content":
				rawContent := strings.TrimSpace(text)
				if rawContent != "" && script.Src == "" {
					script.Content = rawContent
					script.Inline = true
				}
			}
		}

		// Parse imports from inline content (best-effort; syntax errors are ignored)
		// Handle both type="module" (static + dynamic) and regular scripts (dynamic only)
		if script.Inline && script.Content != "" {
			imports, _ := ExtractImports([]byte(script.Content))
			for _, imp := range imports {
				// For non-module scripts, only include dynamic imports
				if script.Type == "module" || imp.IsDynamic {
					script.Imports = append(script.Imports, imp.Specifier)
				}
			}
		}

		scripts = append(scripts, script)
	}

	return scripts, nil
}

// ImportMapLocation describes where an existing <script type="importmap">
// tag's JSON body sits within an HTML document's bytes.
type ImportMapLocation struct {
	Found        bool
	ContentStart int
	ContentEnd   int
	Line         int
}

// FindImportMapTag locates the first <script type="importmap"> element in
// content and returns the byte range of its body, so callers can splice in
// a replacement without re-serializing the rest of the document.
func FindImportMapTag(content []byte) ImportMapLocation {
	qm, err := GetQueryManager()
	if err != nil {
		return ImportMapLocation{}
	}

	parser := getHTMLParser()
	defer putHTMLParser(parser)

	tree := parser.Parse(content, nil)
	defer tree.Close()

	query, err := qm.Query("html", "scriptTags")
	if err != nil {
		return ImportMapLocation{}
	}

	cursor := ts.NewQueryCursor()
	defer cursor.Close()

	matches := cursor.Matches(query, tree.RootNode(), content)
	captureNames := query.CaptureNames()

	for {
		match := matches.Next()
		if match == nil {
			break
		}

		var isImportMap bool
		var currentAttrName string
		var tagStart, tagContent *ts.Node

		for _, capture := range match.Captures {
			name := captureNames[capture.Index]
			node := capture.Node
			switch name {
			case "attr.name":
				currentAttrName = node.Utf8Text(content)
			case "attr.value":
				if currentAttrName == "type" && node.Utf8Text(content) == "importmap" {
					isImportMap = true
				}
			case "tag.start":
				n := node
				tagStart = &n
			case "content":
				n := node
				tagContent = &n
			}
		}

		if !isImportMap {
			continue
		}

		if tagContent != nil {
			return ImportMapLocation{
				Found:        true,
				ContentStart: int(tagContent.StartByte()),
				ContentEnd:   int(tagContent.EndByte()),
				Line:         int(tagContent.StartPosition().Row) + 1,
			}
		}
		if tagStart != nil {
			// Empty <script type="importmap"></script>: body is a
			// zero-length range right after the opening tag.
			offset := int(tagStart.EndByte())
			return ImportMapLocation{
				Found:        true,
				ContentStart: offset,
				ContentEnd:   offset,
				Line:         int(tagStart.StartPosition().Row) + 1,
			}
		}
	}

	return ImportMapLocation{}
}

// InsertPoint describes where a new tag should be inserted into an HTML
// document that has no existing import map script tag.
type InsertPoint struct {
	Found  bool
	Offset int
	Indent string
}

var headOpenTagRe = regexp.MustCompile(`(?i)<head[^>]*>`)

// FindInsertPoint locates the byte offset right after the opening <head>
// tag, along with the indentation used by the line that follows it, so a
// new <script type="importmap"> tag can be inserted in a style matching
// the surrounding markup.
func FindInsertPoint(content []byte) InsertPoint {
	loc := headOpenTagRe.FindIndex(content)
	if loc == nil {
		return InsertPoint{}
	}

	offset := loc[1]
	return InsertPoint{
		Found:  true,
		Offset: offset,
		Indent: indentAfter(content, offset),
	}
}

// indentAfter returns the leading whitespace of the line following offset,
// defaulting to a two-space indent when the tag isn't followed by a
// newline or the next line has no leading whitespace of its own.
func indentAfter(content []byte, offset int) string {
	rest := content[offset:]
	nl := bytes.IndexByte(rest, '\n')
	if nl == -1 {
		return "  "
	}

	afterNL := rest[nl+1:]
	end := 0
	for end < len(afterNL) && (afterNL[end] == ' ' || afterNL[end] == '\t') {
		end++
	}
	if end == 0 {
		return "  "
	}
	return string(afterNL[:end])
}
