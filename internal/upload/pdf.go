package upload

import (
	"fmt"
	"io"

	pdf "github.com/ledongthuc/pdf"
)

func pdfPageCount(r io.ReaderAt, size int64) (n int, err error) {
	defer func() {
		// the parser panics on some malformed xref tables
		if p := recover(); p != nil {
			err = fmt.Errorf("malformed pdf: %v", p)
		}
	}()
	doc, err := pdf.NewReader(r, size)
	if err != nil {
		return 0, err
	}
	return doc.NumPage(), nil
}
