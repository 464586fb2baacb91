package graph

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"html"
	"sort"
	"strings"

	"github.com/go-pdf/fpdf"
	"github.com/xuri/excelize/v2"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	gmhtml "github.com/yuin/goldmark/renderer/html"
)

var markdown = goldmark.New(
	goldmark.WithExtensions(extension.GFM),
	goldmark.WithRendererOptions(gmhtml.WithUnsafe()),
)

// runOutput renders the node's content. content wins over template; with
// neither, the visible upstream outputs are rendered.
func (e *Executor) runOutput(s *OutputSpec, scope *Scope) (nodeOutcome, error) {
	var content any
	switch {
	case s.Content != nil && s.Content != "":
		content = s.Content
	case s.Template != "":
		content = s.Template
	default:
		content = passThrough(scope.Outputs())
	}

	format := strings.ToLower(s.Format)
	switch format {
	case "", "text":
		return nodeOutcome{output: map[string]any{"format": "text", "content": Stringify(content)}}, nil
	case "json":
		return nodeOutcome{output: map[string]any{"format": "json", "content": jsonContent(content)}}, nil
	case "markdown", "md":
		src := Stringify(content)
		var buf bytes.Buffer
		if err := markdown.Convert([]byte(src), &buf); err != nil {
			return nodeOutcome{}, &EngineError{Message: fmt.Sprintf("render markdown: %v", err), Code: CodeInternal}
		}
		return nodeOutcome{output: map[string]any{"format": "markdown", "content": src, "html": buf.String()}}, nil
	case "html":
		return nodeOutcome{output: map[string]any{"format": "html", "content": htmlDocument(s.Title, Stringify(content))}}, nil
	case "word", "doc", "docx":
		doc := wordDocument(s.Title, Stringify(content))
		return binaryOutput("word", fileName(s, "doc"), "application/msword", s.Title, []byte(doc)), nil
	case "excel", "xlsx":
		data, err := excelWorkbook(content)
		if err != nil {
			return nodeOutcome{}, err
		}
		return binaryOutput("excel", fileName(s, "xlsx"),
			"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet", s.Title, data), nil
	case "pdf":
		data, err := pdfDocument(s.Title, Stringify(content))
		if err != nil {
			return nodeOutcome{}, err
		}
		return binaryOutput("pdf", fileName(s, "pdf"), "application/pdf", s.Title, data), nil
	case "image":
		return nodeOutcome{output: imageContent(content)}, nil
	}
	return nodeOutcome{}, &EngineError{Message: fmt.Sprintf("unsupported output format %q", s.Format), Code: CodeUnsupportedConfig}
}

// jsonContent parses string content as JSON and falls back to the raw text.
func jsonContent(v any) any {
	if str, ok := v.(string); ok {
		var parsed any
		if err := json.Unmarshal([]byte(str), &parsed); err == nil {
			return parsed
		}
		return str
	}
	return toJSONValue(v)
}

func fileName(s *OutputSpec, ext string) string {
	name := strings.TrimSpace(s.FileName)
	if name == "" {
		name = strings.TrimSpace(s.Title)
	}
	if name == "" {
		name = "output"
	}
	if !strings.HasSuffix(strings.ToLower(name), "."+ext) {
		name += "." + ext
	}
	return name
}

func binaryOutput(format, name, mime, title string, data []byte) nodeOutcome {
	return nodeOutcome{output: map[string]any{
		"format":   format,
		"fileName": name,
		"mimeType": mime,
		"data":     base64.StdEncoding.EncodeToString(data),
		"size":     len(data),
		"title":    title,
	}}
}

func htmlDocument(title, body string) string {
	if strings.Contains(strings.ToLower(body), "<html") {
		return body
	}
	return "<!DOCTYPE html>\n<html><head><meta charset=\"utf-8\"><title>" + html.EscapeString(title) +
		"</title></head><body>\n" + body + "\n</body></html>"
}

// wordDocument wraps content in the HTML envelope Word opens as a .doc.
func wordDocument(title, content string) string {
	var b strings.Builder
	b.WriteString(`<html xmlns:o="urn:schemas-microsoft-com:office:office" xmlns:w="urn:schemas-microsoft-com:office:word" xmlns="http://www.w3.org/TR/REC-html40">`)
	b.WriteString("<head><meta charset=\"utf-8\"><title>")
	b.WriteString(html.EscapeString(title))
	b.WriteString("</title></head><body>")
	if title != "" {
		b.WriteString("<h1>" + html.EscapeString(title) + "</h1>")
	}
	for _, para := range strings.Split(content, "\n") {
		b.WriteString("<p>" + html.EscapeString(para) + "</p>")
	}
	b.WriteString("</body></html>")
	return b.String()
}

// excelRows lays content out as a sheet: an array of objects becomes a
// header row plus one row per object, an array of arrays is written as is,
// an object becomes key/value rows and anything else a single cell.
func excelRows(content any) [][]any {
	v := jsonContent(content)
	switch t := v.(type) {
	case []any:
		if len(t) == 0 {
			return nil
		}
		if _, ok := t[0].(map[string]any); ok {
			keySet := make(map[string]struct{})
			for _, item := range t {
				if m, ok := item.(map[string]any); ok {
					for k := range m {
						keySet[k] = struct{}{}
					}
				}
			}
			keys := make([]string, 0, len(keySet))
			for k := range keySet {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			header := make([]any, len(keys))
			for i, k := range keys {
				header[i] = k
			}
			rows := [][]any{header}
			for _, item := range t {
				m, _ := item.(map[string]any)
				row := make([]any, len(keys))
				for i, k := range keys {
					row[i] = cellValue(m[k])
				}
				rows = append(rows, row)
			}
			return rows
		}
		rows := make([][]any, 0, len(t))
		for _, item := range t {
			if inner, ok := item.([]any); ok {
				row := make([]any, len(inner))
				for i, c := range inner {
					row[i] = cellValue(c)
				}
				rows = append(rows, row)
				continue
			}
			rows = append(rows, []any{cellValue(item)})
		}
		return rows
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		rows := [][]any{{"key", "value"}}
		for _, k := range keys {
			rows = append(rows, []any{k, cellValue(t[k])})
		}
		return rows
	case nil:
		return nil
	}
	return [][]any{{cellValue(v)}}
}

func cellValue(v any) any {
	switch v.(type) {
	case nil:
		return ""
	case string, float64, bool:
		return v
	}
	return Stringify(v)
}

func excelWorkbook(content any) ([]byte, error) {
	f := excelize.NewFile()
	defer f.Close()

	const sheet = "Sheet1"
	for i, row := range excelRows(content) {
		cell, err := excelize.CoordinatesToCellName(1, i+1)
		if err != nil {
			return nil, &EngineError{Message: err.Error(), Code: CodeInternal}
		}
		if err := f.SetSheetRow(sheet, cell, &row); err != nil {
			return nil, &EngineError{Message: fmt.Sprintf("write excel row %d: %v", i+1, err), Code: CodeInternal}
		}
	}
	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, &EngineError{Message: fmt.Sprintf("write excel: %v", err), Code: CodeInternal}
	}
	return buf.Bytes(), nil
}

func pdfDocument(title, content string) ([]byte, error) {
	pdf := fpdf.New("P", "mm", "A4", "")
	tr := pdf.UnicodeTranslatorFromDescriptor("")
	pdf.SetTitle(title, true)
	pdf.AddPage()
	if title != "" {
		pdf.SetFont("Helvetica", "B", 16)
		pdf.MultiCell(0, 8, tr(title), "", "L", false)
		pdf.Ln(4)
	}
	pdf.SetFont("Helvetica", "", 11)
	pdf.MultiCell(0, 6, tr(content), "", "L", false)

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, &EngineError{Message: fmt.Sprintf("write pdf: %v", err), Code: CodeInternal}
	}
	return buf.Bytes(), nil
}

func imageContent(content any) map[string]any {
	out := map[string]any{"format": "image"}
	switch t := toJSONValue(content).(type) {
	case map[string]any:
		for _, k := range []string{"url", "data", "mimeType"} {
			if v, ok := t[k]; ok {
				out[k] = v
			}
		}
	case string:
		if strings.HasPrefix(t, "data:") || !strings.Contains(t, "://") {
			out["data"] = t
		} else {
			out["url"] = t
		}
	}
	return out
}
