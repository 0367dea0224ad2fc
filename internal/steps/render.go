package steps

import (
	"archive/zip"
	"bytes"
	"fmt"
	"io"
)

// proposalPartName is the package part carrying the rendered proposal
// data inside a generated OOXML document.
const proposalPartName = "docProps/proposal.json"

// renderFromTemplate clones an OOXML package (pptx and docx are zip
// archives) and injects the proposal data as an extra part. With no
// template the result is a bare package holding only the proposal part,
// which keeps generation working before any templates are uploaded.
func renderFromTemplate(template []byte, proposal []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := zip.NewWriter(&buf)

	if len(template) > 0 {
		r, err := zip.NewReader(bytes.NewReader(template), int64(len(template)))
		if err != nil {
			return nil, fmt.Errorf("open template package: %w", err)
		}
		for _, f := range r.File {
			if f.Name == proposalPartName {
				continue
			}
			if err := copyZipEntry(w, f); err != nil {
				return nil, err
			}
		}
	}

	part, err := w.Create(proposalPartName)
	if err != nil {
		return nil, fmt.Errorf("create proposal part: %w", err)
	}
	if _, err := part.Write(proposal); err != nil {
		return nil, fmt.Errorf("write proposal part: %w", err)
	}

	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("finalize package: %w", err)
	}
	return buf.Bytes(), nil
}

func copyZipEntry(w *zip.Writer, f *zip.File) error {
	rc, err := f.Open()
	if err != nil {
		return fmt.Errorf("open template part %s: %w", f.Name, err)
	}
	defer rc.Close()

	header := f.FileHeader
	dst, err := w.CreateHeader(&header)
	if err != nil {
		return fmt.Errorf("copy template part %s: %w", f.Name, err)
	}
	if _, err := io.Copy(dst, rc); err != nil {
		return fmt.Errorf("copy template part %s: %w", f.Name, err)
	}
	return nil
}
