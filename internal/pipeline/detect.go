package pipeline

import (
	"bytes"
	"path/filepath"
	"strings"

	"partsync/internal"
)

// DetectFormat decides how a feed file should be parsed. The extension wins
// when it is unambiguous; otherwise the first bytes are sniffed.
func DetectFormat(path string, head []byte) internal.FeedFormat {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".xlsx", ".xlsm", ".xls":
		return internal.FormatXLSX
	case ".html", ".htm":
		return internal.FormatHTML
	case ".csv", ".tsv", ".txt":
		return internal.FormatCSV
	}
	return SniffFormat(head)
}

// SniffFormat classifies content by its leading bytes: XLSX files are zip
// archives, HTML opens with markup, everything else is delimited text.
func SniffFormat(head []byte) internal.FeedFormat {
	if bytes.HasPrefix(head, []byte("PK\x03\x04")) {
		return internal.FormatXLSX
	}
	trimmed := bytes.TrimPrefix(head, []byte("\xef\xbb\xbf"))
	trimmed = bytes.TrimLeft(trimmed, " \t\r\n")
	if len(trimmed) > 0 && trimmed[0] == '<' {
		return internal.FormatHTML
	}
	return internal.FormatCSV
}
