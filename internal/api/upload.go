package api

import (
	"context"
	"fmt"
	"io"
	"math"
	"mime/multipart"
	"net/http"
	"net/textproto"
)

// UploadFile is one file to send to POST /upload.
type UploadFile struct {
	Name        string
	ContentType string
	Size        int64
	Body        io.Reader
}

type UploadResult struct {
	URL         string `json:"url"`
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
	Size        int64  `json:"size"`
}

// ProgressFunc receives the upload progress in percent, 0 to 100.
type ProgressFunc func(percent int)

// Upload streams file as multipart form data and returns the durable URL the
// server stored it under. progress may be nil.
func (c *Client) Upload(ctx context.Context, file UploadFile, progress ProgressFunc) (*UploadResult, error) {
	if file.Body == nil {
		return nil, NewError(ErrValidation, "upload body is required")
	}

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)

	go func() {
		err := writeMultipart(mw, file, progress)
		if err == nil {
			err = mw.Close()
		}
		_ = pw.CloseWithError(err)
	}()

	var result UploadResult
	err := c.do(ctx, http.MethodPost, "/upload", pr, mw.FormDataContentType(), &result)
	_ = pr.Close()
	if err != nil {
		return nil, err
	}
	if result.URL == "" {
		return nil, NewError(ErrDecode, "upload response carries no url").WithContext("file", file.Name)
	}
	if progress != nil {
		progress(100)
	}
	return &result, nil
}

func writeMultipart(mw *multipart.Writer, file UploadFile, progress ProgressFunc) error {
	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, file.Name))
	contentType := file.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	header.Set("Content-Type", contentType)

	part, err := mw.CreatePart(header)
	if err != nil {
		return err
	}

	_, err = io.Copy(part, &progressReader{r: file.Body, total: file.Size, last: -1, report: progress})
	return err
}

// progressReader reports percent of total read so far, only when it changes.
type progressReader struct {
	r      io.Reader
	total  int64
	read   int64
	last   int64
	report ProgressFunc
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	if n > 0 && p.report != nil && p.total > 0 {
		p.read += int64(n)
		pct := int64(math.Round(float64(p.read) * 100 / float64(p.total)))
		if pct > 100 {
			pct = 100
		}
		if pct != p.last {
			p.last = pct
			p.report(int(pct))
		}
	}
	return n, err
}
