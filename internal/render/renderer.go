package render

import (
	"bytes"
	"embed"
	"encoding/base64"
	"fmt"
	"html"
	"io/fs"
	"path/filepath"
	"strings"

	chromahtml "github.com/alecthomas/chroma/formatters/html"
	"github.com/alecthomas/chroma/styles"
	"github.com/yuin/goldmark"
	highlighting "github.com/yuin/goldmark-highlighting"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/parser"
	gmhtml "github.com/yuin/goldmark/renderer/html"
	"github.com/yuin/goldmark/text"
	alertcallouts "github.com/zmtcreative/gm-alert-callouts"
)

// LocalAssetPrefix is the URL prefix under which images next to the document are served.
const LocalAssetPrefix = "/@mdfs/"

//go:embed page.html
var pageTemplate string

//go:embed assets
var assetFS embed.FS

// Renderer is a wrapper around the Goldmark markdown parser with pre-configured extensions
type Renderer struct {
	md        goldmark.Markdown
	codeTheme string
}

// NewRenderer builds a renderer whose code blocks use the named chroma style.
func NewRenderer(codeTheme string) *Renderer {
	md := goldmark.New(
		goldmark.WithExtensions(
			alertcallouts.AlertCallouts,
			extension.GFM,
			extension.Table,
			extension.Strikethrough,
			extension.TaskList,
			extension.Linkify,
			highlighting.NewHighlighting(
				highlighting.WithStyle(codeTheme),
				highlighting.WithFormatOptions(
					chromahtml.WithClasses(true),
				),
			),
		),
		goldmark.WithParserOptions(
			parser.WithAutoHeadingID(),
		),
		goldmark.WithRendererOptions(gmhtml.WithUnsafe()),
	)
	return &Renderer{md: md, codeTheme: codeTheme}
}

// ConvertFragment parses markdown source and returns the HTML fragment.
//
// If sourcePath is set, relative image destinations are rewritten to the
// local asset prefix so the preview server can serve them.
func (r *Renderer) ConvertFragment(source []byte, sourcePath string) (string, error) {
	doc := r.md.Parser().Parse(text.NewReader(source))
	rewriteLocalImages(doc, sourcePath)

	var buf bytes.Buffer
	if err := r.md.Renderer().Render(&buf, source, doc); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// RenderPage returns a complete HTML page for the document at sourcePath.
func (r *Renderer) RenderPage(source []byte, sourcePath string) (string, error) {
	fragment, err := r.ConvertFragment(source, sourcePath)
	if err != nil {
		return "", err
	}
	return fillPage(pageTitle(sourcePath), fragment), nil
}

// RenderError returns a page explaining why the document could not be shown.
// It still carries the live-reload script so the browser recovers on the next save.
func (r *Renderer) RenderError(sourcePath string, err error) string {
	fragment := fmt.Sprintf(`<div class="markdown-alert markdown-alert-warning"><p><strong>Could not render %s</strong></p><pre>%s</pre></div>`,
		html.EscapeString(filepath.Base(sourcePath)), html.EscapeString(err.Error()))
	return fillPage(pageTitle(sourcePath), fragment)
}

// StyleSheet returns the CSS for the configured code theme.
func (r *Renderer) StyleSheet() ([]byte, error) {
	var buf bytes.Buffer
	formatter := chromahtml.New(chromahtml.WithClasses(true))
	if err := formatter.WriteCSS(&buf, styles.Get(r.codeTheme)); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Assets returns the embedded static files (theme CSS, reload script).
func Assets() fs.FS {
	sub, err := fs.Sub(assetFS, "assets")
	if err != nil {
		panic(err)
	}
	return sub
}

// EncodeLocalAsset turns an absolute file path into its preview URL.
func EncodeLocalAsset(absPath string) string {
	return LocalAssetPrefix + base64.RawURLEncoding.EncodeToString([]byte(filepath.Clean(absPath)))
}

// DecodeLocalAsset reverses EncodeLocalAsset for the id after the prefix.
func DecodeLocalAsset(id string) (string, error) {
	decoded, err := base64.RawURLEncoding.DecodeString(id)
	if err != nil {
		return "", err
	}
	return filepath.Clean(string(decoded)), nil
}

func pageTitle(sourcePath string) string {
	if sourcePath == "" {
		return "Markdown"
	}
	return filepath.Base(sourcePath)
}

func fillPage(title, fragment string) string {
	return strings.NewReplacer(
		"{{TITLE}}", html.EscapeString(title),
		"{{CONTENT}}", fragment,
	).Replace(pageTemplate)
}

// rewriteLocalImages points image destinations that live on disk at the
// local asset endpoint. Remote, data and in-page destinations are untouched.
func rewriteLocalImages(doc ast.Node, sourcePath string) {
	baseDir := ""
	if sourcePath != "" {
		baseDir = filepath.Dir(sourcePath)
	}

	_ = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		img, ok := n.(*ast.Image)
		if !ok {
			return ast.WalkContinue, nil
		}

		rawDest := strings.TrimSpace(string(img.Destination))
		if rawDest == "" || isExternalDestination(rawDest) {
			return ast.WalkContinue, nil
		}

		var resolved string
		switch {
		case filepath.IsAbs(rawDest):
			resolved = rawDest
		case baseDir != "":
			resolved = filepath.Join(baseDir, rawDest)
		default:
			return ast.WalkContinue, nil
		}

		img.Destination = []byte(EncodeLocalAsset(resolved))
		img.SetAttributeString("loading", "lazy")
		img.SetAttributeString("decoding", "async")
		return ast.WalkContinue, nil
	})
}

func isExternalDestination(dest string) bool {
	lower := strings.ToLower(dest)
	for _, prefix := range []string{"http://", "https://", "data:", "blob:", "file://", "//", "#", LocalAssetPrefix} {
		if strings.HasPrefix(lower, prefix) {
			return true
		}
	}
	return false
}
