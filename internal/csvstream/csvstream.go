package csvstream

import (
	"encoding/csv"
	"fmt"
	"io"
	"strings"

	"github.com/pinpt/agent.billing/sdk"
)

// nulStrippingReader removes embedded NUL bytes from the export byte stream
// before they reach the csv decoder. Exports occasionally contain them and they
// would otherwise corrupt field values.
type nulStrippingReader struct {
	r io.Reader
}

func (n *nulStrippingReader) Read(p []byte) (int, error) {
	read, err := n.r.Read(p)
	if read == 0 {
		return read, err
	}
	w := 0
	for _, b := range p[:read] {
		if b == 0 {
			continue
		}
		p[w] = b
		w++
	}
	return w, err
}

// Reader lazily decodes one export file's byte stream row by row. The first
// line fixes the expected column count; any later row with a different count
// stops the reader with a NonRectangularError. A Reader is not restartable,
// recovery means re-acquiring the file.
type Reader struct {
	fileID string
	header []string
	cr     *csv.Reader
	line   int
	failed error
}

// New reads the header line and returns a Reader for the remaining rows. The
// stream name is used to collapse dot-notation headers: Account.Name on the
// Account stream becomes Name, Invoice.Amount on another stream becomes
// InvoiceAmount.
func New(fileID string, stream string, r io.Reader) (*Reader, error) {
	cr := csv.NewReader(&nulStrippingReader{r})
	// column count is validated against the header by hand so a mismatch can be
	// reported as a corrupt export rather than a csv error
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true
	rawHeader, err := cr.Read()
	if err != nil {
		if err == io.EOF {
			return nil, fmt.Errorf("file %s is empty, expected a header line", fileID)
		}
		return nil, fmt.Errorf("error reading header of file %s: %w", fileID, err)
	}
	header := make([]string, len(rawHeader))
	for i, h := range rawHeader {
		header[i] = convertHeader(h, stream)
	}
	return &Reader{
		fileID: fileID,
		header: header,
		cr:     cr,
		line:   1,
	}, nil
}

func convertHeader(header string, stream string) string {
	dotted := strings.SplitN(header, ".", 2)
	if len(dotted) == 2 && dotted[0] == stream {
		return dotted[1]
	}
	return strings.ReplaceAll(header, ".", "")
}

// Header returns the normalized column names
func (r *Reader) Header() []string {
	return r.header
}

// Next returns the next row, io.EOF at the end of the stream, or a
// NonRectangularError when a row's width doesn't match the header. After any
// error the reader stays failed; no partial or realigned row is ever returned.
func (r *Reader) Next() (sdk.Row, error) {
	if r.failed != nil {
		return nil, r.failed
	}
	for {
		fields, err := r.cr.Read()
		if err == io.EOF {
			r.failed = io.EOF
			return nil, io.EOF
		}
		if err != nil {
			r.failed = fmt.Errorf("error reading file %s: %w", r.fileID, err)
			return nil, r.failed
		}
		r.line++
		// blank lines between rows show up as a single empty field
		if len(fields) == 1 && fields[0] == "" {
			continue
		}
		if len(fields) != len(r.header) {
			r.failed = &sdk.NonRectangularError{
				FileID: r.fileID,
				Line:   r.line,
				Found:  len(fields),
				Want:   len(r.header),
			}
			return nil, r.failed
		}
		row := make(sdk.Row, len(fields))
		for i, h := range r.header {
			row[h] = fields[i]
		}
		return row, nil
	}
}
