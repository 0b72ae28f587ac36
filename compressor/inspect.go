package compressor

import (
	"fmt"

	pdfapi "github.com/pdfcpu/pdfcpu/pkg/api"
)

// PageCount reads the page count of a PDF without invoking the external tool.
func PageCount(path string) (n int, err error) {
	// pdfcpu can panic on malformed input.
	defer func() {
		if r := recover(); r != nil {
			n, err = 0, fmt.Errorf("read page count of %s: %v", path, r)
		}
	}()

	n, err = pdfapi.PageCountFile(path)
	if err != nil {
		return 0, fmt.Errorf("read page count of %s: %w", path, err)
	}
	return n, nil
}
