package media

import (
	"archive/zip"
	"bytes"
	"encoding/xml"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/ledongthuc/pdf"
)

// DocumentKind is the extraction strategy for a document.
type DocumentKind string

const (
	DocPDF         DocumentKind = "pdf"
	DocWord        DocumentKind = "docx"
	DocText        DocumentKind = "text"
	DocImage       DocumentKind = "image"
	DocUnsupported DocumentKind = "unsupported"
)

// maxDocumentChars bounds the extracted text stored on a message.
const maxDocumentChars = 20000

// ClassifyDocument picks the strategy from the mime type, then the file extension.
func ClassifyDocument(mimeType, fileName string) DocumentKind {
	switch {
	case mimeType == "application/pdf":
		return DocPDF
	case strings.Contains(mimeType, "wordprocessingml"):
		return DocWord
	case strings.HasPrefix(mimeType, "text/"), mimeType == "application/json", mimeType == "application/csv":
		return DocText
	case strings.HasPrefix(mimeType, "image/"):
		return DocImage
	}
	switch strings.ToLower(filepath.Ext(fileName)) {
	case ".pdf":
		return DocPDF
	case ".docx":
		return DocWord
	case ".txt", ".csv", ".md", ".json":
		return DocText
	case ".jpg", ".jpeg", ".png", ".webp":
		return DocImage
	}
	return DocUnsupported
}

// ExtractText returns the embedded text of a document. Scanned PDFs return
// ErrNoTextLayer so the caller can fall back to OCR.
func ExtractText(kind DocumentKind, data []byte) (string, error) {
	var (
		text string
		err  error
	)
	switch kind {
	case DocPDF:
		text, err = pdfText(data)
	case DocWord:
		text, err = docxText(data)
	case DocText:
		if !utf8.Valid(data) {
			return "", permanent("text document is not valid UTF-8", nil)
		}
		text = string(data)
	default:
		return "", permanent(fmt.Sprintf("unsupported document type %q", kind), nil)
	}
	if err != nil {
		return "", err
	}
	text = strings.TrimSpace(text)
	if text == "" {
		if kind == DocPDF {
			return "", ErrNoTextLayer
		}
		return "", permanent("document has no text", nil)
	}
	return truncateRunes(text, maxDocumentChars), nil
}

func pdfText(data []byte) (text string, err error) {
	// the pdf reader panics on some malformed files
	defer func() {
		if r := recover(); r != nil {
			err = permanent("corrupt pdf", fmt.Errorf("%v", r))
		}
	}()

	r, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", permanent("corrupt pdf", err)
	}
	plain, err := r.GetPlainText()
	if err != nil {
		return "", permanent("read pdf text", err)
	}
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, plain); err != nil {
		return "", permanent("read pdf text", err)
	}
	return buf.String(), nil
}

func docxText(data []byte) (string, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", permanent("corrupt docx", err)
	}
	for _, f := range zr.File {
		if f.Name != "word/document.xml" {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return "", permanent("corrupt docx", err)
		}
		defer rc.Close()
		return wordXMLText(rc)
	}
	return "", permanent("docx without word/document.xml", nil)
}

// wordXMLText collects <w:t> runs, one line per <w:p> paragraph.
func wordXMLText(r io.Reader) (string, error) {
	dec := xml.NewDecoder(r)
	var (
		sb     strings.Builder
		inText bool
	)
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", permanent("corrupt docx xml", err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			switch t.Name.Local {
			case "t":
				inText = true
			case "tab":
				sb.WriteByte('\t')
			case "br":
				sb.WriteByte('\n')
			}
		case xml.EndElement:
			switch t.Name.Local {
			case "t":
				inText = false
			case "p":
				sb.WriteByte('\n')
			}
		case xml.CharData:
			if inText {
				sb.Write(t)
			}
		}
	}
	return sb.String(), nil
}

func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return string(runes[:n])
}
