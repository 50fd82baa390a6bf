package media

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"zappipe/config"
	"zappipe/internal/models"
	"zappipe/pkg/httputil"
)

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for x := 0; x < w; x++ {
		img.Set(x, x%h, color.RGBA{R: 200, A: 255})
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func docxBytes(t *testing.T, paragraphs ...string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	f, err := zw.Create("word/document.xml")
	require.NoError(t, err)
	var body strings.Builder
	body.WriteString(`<?xml version="1.0" encoding="UTF-8"?><w:document xmlns:w="http://schemas.openxmlformats.org/wordprocessingml/2006/main"><w:body>`)
	for _, p := range paragraphs {
		body.WriteString(`<w:p><w:r><w:t>` + p + `</w:t></w:r></w:p>`)
	}
	body.WriteString(`</w:body></w:document>`)
	_, err = f.Write([]byte(body.String()))
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func TestHTTPDownloaderClassifiesFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/ok":
			w.Header().Set("Content-Type", "audio/ogg; codecs=opus")
			w.Write([]byte("OggS-audio"))
		case "/sniff":
			w.Header().Set("Content-Type", "application/octet-stream")
			w.Write([]byte("%PDF-1.4 fake"))
		case "/big":
			w.Write(bytes.Repeat([]byte("a"), 64))
		case "/empty":
		case "/gone":
			w.WriteHeader(http.StatusNotFound)
		case "/busy":
			w.WriteHeader(http.StatusServiceUnavailable)
		case "/slow":
			w.WriteHeader(http.StatusTooManyRequests)
		}
	}))
	defer srv.Close()

	d := NewHTTPDownloader(httputil.NewDefaultRestyClient(5*time.Second), 32)
	ctx := context.Background()

	dl, err := d.Fetch(ctx, srv.URL+"/ok")
	require.NoError(t, err)
	assert.Equal(t, "audio/ogg", dl.MimeType)
	assert.Equal(t, "OggS-audio", string(dl.Data))

	dl, err = d.Fetch(ctx, srv.URL+"/sniff")
	require.NoError(t, err)
	assert.Equal(t, "application/pdf", dl.MimeType)

	var perm *PermanentMediaError
	var transient *TransientProviderError
	for _, path := range []string{"/big", "/empty", "/gone"} {
		_, err := d.Fetch(ctx, srv.URL+path)
		assert.ErrorAs(t, err, &perm, path)
	}
	for _, path := range []string{"/busy", "/slow"} {
		_, err := d.Fetch(ctx, srv.URL+path)
		assert.ErrorAs(t, err, &transient, path)
	}
}

func TestHTTPDownloaderStopsReadingPastLimit(t *testing.T) {
	chunk := bytes.Repeat([]byte("b"), 1024)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		flusher := w.(http.Flusher)
		w.Header().Set("Content-Type", "audio/ogg")
		for i := 0; i < 64<<10; i++ {
			if _, err := w.Write(chunk); err != nil {
				return
			}
			flusher.Flush()
		}
	}))
	defer srv.Close()

	d := NewHTTPDownloader(httputil.NewDefaultRestyClient(5*time.Second), 4096)
	start := time.Now()
	_, err := d.Fetch(context.Background(), srv.URL+"/stream")
	var perm *PermanentMediaError
	require.ErrorAs(t, err, &perm)
	assert.Contains(t, err.Error(), "4096 byte limit")
	assert.Less(t, time.Since(start), 3*time.Second)

	exact := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "audio/ogg")
		w.Write(bytes.Repeat([]byte("c"), 4096))
	}))
	defer exact.Close()
	dl, err := d.Fetch(context.Background(), exact.URL)
	require.NoError(t, err)
	assert.Len(t, dl.Data, 4096)
}

func TestImageDataURLDownscales(t *testing.T) {
	url, err := ImageDataURL(pngBytes(t, 2048, 512))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(url, "data:image/jpeg;base64,"))

	_, err = ImageDataURL([]byte("not an image"))
	var perm *PermanentMediaError
	assert.ErrorAs(t, err, &perm)
}

func TestClassifyAndExtractDocuments(t *testing.T) {
	assert.Equal(t, DocPDF, ClassifyDocument("application/pdf", ""))
	assert.Equal(t, DocWord, ClassifyDocument("application/vnd.openxmlformats-officedocument.wordprocessingml.document", ""))
	assert.Equal(t, DocWord, ClassifyDocument("application/octet-stream", "Contrato.DOCX"))
	assert.Equal(t, DocText, ClassifyDocument("text/plain", ""))
	assert.Equal(t, DocImage, ClassifyDocument("image/png", "scan.png"))
	assert.Equal(t, DocUnsupported, ClassifyDocument("application/zip", "files.zip"))

	text, err := ExtractText(DocWord, docxBytes(t, "Proposta comercial", "Valor: R$ 1.000"))
	require.NoError(t, err)
	assert.Equal(t, "Proposta comercial\nValor: R$ 1.000", text)

	text, err = ExtractText(DocText, []byte("  linha 1\nlinha 2  "))
	require.NoError(t, err)
	assert.Equal(t, "linha 1\nlinha 2", text)

	var perm *PermanentMediaError
	_, err = ExtractText(DocPDF, []byte("definitely not a pdf"))
	assert.ErrorAs(t, err, &perm)
	_, err = ExtractText(DocUnsupported, []byte("x"))
	assert.ErrorAs(t, err, &perm)
	_, err = ExtractText(DocWord, []byte("not a zip"))
	assert.ErrorAs(t, err, &perm)
}

type fakePutter struct {
	input *s3.PutObjectInput
	err   error
}

func (f *fakePutter) PutObject(ctx context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	f.input = in
	return &s3.PutObjectOutput{}, f.err
}

func TestS3ArchiveKeyAndUpload(t *testing.T) {
	putter := &fakePutter{}
	a := &S3Archive{
		client: putter,
		cfg:    config.S3Config{Bucket: "media", RetentionDays: 7, EnableACL: true},
		now:    func() time.Time { return time.Date(2024, 3, 9, 10, 0, 0, 0, time.UTC) },
	}
	job := &models.TranscriptionJob{MessageID: "m1", ConnectionID: "conn1", ContactID: "5511@s.whatsapp.net", Direction: models.DirectionInbound}

	key, err := a.Archive(context.Background(), job, []byte("img"), "image/jpeg")
	require.NoError(t, err)
	assert.Equal(t, "users/conn1/inbox/5511_s.whatsapp.net/2024/03/09/images/m1.jpg", key)
	require.NotNil(t, putter.input)
	assert.Equal(t, "media", *putter.input.Bucket)
	assert.Equal(t, "inline", *putter.input.ContentDisposition)
	assert.Equal(t, types.ObjectCannedACLPublicRead, putter.input.ACL)
	assert.Equal(t, time.Date(2024, 3, 16, 10, 0, 0, 0, time.UTC), *putter.input.Expires)

	putter.err = errors.New("access denied")
	_, err = a.Archive(context.Background(), job, []byte("x"), "audio/ogg")
	assert.Error(t, err)

	assert.Equal(t, "https://media.s3.us-east-1.amazonaws.com/k", (&S3Archive{cfg: config.S3Config{Bucket: "media", Region: "us-east-1"}}).PublicURL("k"))
}

// fakes for the processor

type fakeCreds struct{ err error }

func (f fakeCreds) Resolve(ctx context.Context, connectionID string, category models.ProviderCategory) (*models.ResolvedCredential, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &models.ResolvedCredential{Provider: "openai", APIKey: "sk", Category: category, Source: models.SourceSystem}, nil
}

type fakeDownloader struct {
	mu    sync.Mutex
	data  []byte
	mime  string
	calls int
	err   error
}

func (f *fakeDownloader) Fetch(ctx context.Context, url string) (*Download, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return &Download{Data: f.data, MimeType: f.mime}, nil
}

type fakeAI struct {
	transcript string
	err        error
	described  int
	categories []models.ProviderCategory
}

func (f *fakeAI) Transcribe(ctx context.Context, cred *models.ResolvedCredential, audio []byte, fileName, mimeType string) (string, string, error) {
	f.categories = append(f.categories, cred.Category)
	return f.transcript, "pt", f.err
}

func (f *fakeAI) Describe(ctx context.Context, cred *models.ResolvedCredential, imageURL, prompt string) (string, error) {
	f.categories = append(f.categories, cred.Category)
	f.described++
	return "uma descrição", f.err
}

type fakeTools struct {
	audioErr error
	frames   int
	pages    int
	png      []byte
}

func (f *fakeTools) AudioTrack(ctx context.Context, video []byte) ([]byte, error) {
	if f.audioErr != nil {
		return nil, f.audioErr
	}
	return []byte("mp3"), nil
}

func (f *fakeTools) Frames(ctx context.Context, video []byte, n int) ([][]byte, error) {
	out := make([][]byte, 0, f.frames)
	for i := 0; i < f.frames; i++ {
		out = append(out, f.png)
	}
	return out, nil
}

func (f *fakeTools) RenderPDFPages(ctx context.Context, pdf []byte, pages int) ([][]byte, error) {
	out := make([][]byte, 0, f.pages)
	for i := 0; i < f.pages; i++ {
		out = append(out, f.png)
	}
	return out, nil
}

func newProcessor(t *testing.T, dl *fakeDownloader, ai *fakeAI, tools *fakeTools) *Processor {
	t.Helper()
	return NewProcessor(config.MediaConfig{CacheTTL: time.Hour, VideoFrames: 2, OCRPages: 2}, Deps{
		Credentials: fakeCreds{},
		Downloader:  dl,
		Transcriber: ai,
		Describer:   ai,
		Tools:       tools,
	})
}

func TestProcessAudioUsesTranscriptionCredentialAndCaches(t *testing.T) {
	dl := &fakeDownloader{data: []byte("OggS"), mime: "audio/ogg"}
	ai := &fakeAI{transcript: "bom dia, quero um orçamento"}
	p := newProcessor(t, dl, ai, &fakeTools{})
	job := &models.TranscriptionJob{MessageID: "m1", ConnectionID: "c", MediaType: models.TypePTT, MediaURL: "https://cdn/a.ogg"}

	res, err := p.Process(context.Background(), job)
	require.NoError(t, err)
	assert.Equal(t, "bom dia, quero um orçamento", res.Text)
	assert.Equal(t, "pt", res.Language)
	assert.Equal(t, "speech", res.Strategy)
	assert.Equal(t, []models.ProviderCategory{models.CategoryTranscription}, ai.categories)

	again, err := p.Process(context.Background(), job)
	require.NoError(t, err)
	assert.Equal(t, res.Text, again.Text)
	assert.Equal(t, 1, dl.calls)
}

func TestProcessImageUsesVision(t *testing.T) {
	ai := &fakeAI{}
	p := newProcessor(t, &fakeDownloader{data: pngBytes(t, 64, 64), mime: "image/png"}, ai, &fakeTools{})

	res, err := p.Process(context.Background(), &models.TranscriptionJob{MessageID: "m2", MediaType: models.TypeSticker, MediaURL: "https://cdn/s.webp"})
	require.NoError(t, err)
	assert.Equal(t, "uma descrição", res.Text)
	assert.Equal(t, "vision", res.Strategy)
	assert.Equal(t, []models.ProviderCategory{models.CategoryAI}, ai.categories)
}

func TestProcessVideoCombinesAudioAndFrames(t *testing.T) {
	ai := &fakeAI{transcript: "olha o produto"}
	tools := &fakeTools{frames: 2, png: pngBytes(t, 32, 32)}
	p := newProcessor(t, &fakeDownloader{data: []byte("mp4"), mime: "video/mp4"}, ai, tools)

	res, err := p.Process(context.Background(), &models.TranscriptionJob{MessageID: "m3", MediaType: models.TypeVideo, MediaURL: "https://cdn/v.mp4"})
	require.NoError(t, err)
	assert.Equal(t, "[Áudio] olha o produto\n[Quadro 1] uma descrição\n[Quadro 2] uma descrição", res.Text)
	assert.Equal(t, 2, ai.described)
}

func TestProcessSilentVideoFallsBackToFrames(t *testing.T) {
	ai := &fakeAI{}
	tools := &fakeTools{audioErr: errors.New("no audio stream"), frames: 1, png: pngBytes(t, 32, 32)}
	p := newProcessor(t, &fakeDownloader{data: []byte("mp4")}, ai, tools)

	res, err := p.Process(context.Background(), &models.TranscriptionJob{MessageID: "m4", MediaType: models.TypeVideo, MediaURL: "https://cdn/v2.mp4"})
	require.NoError(t, err)
	assert.Equal(t, "[Quadro 1] uma descrição", res.Text)
}

func TestProcessDocument(t *testing.T) {
	p := newProcessor(t, &fakeDownloader{data: docxBytes(t, "Pedido 42")}, &fakeAI{}, &fakeTools{})
	res, err := p.Process(context.Background(), &models.TranscriptionJob{
		MessageID: "m5", MediaType: models.TypeDocument, MediaURL: "https://cdn/p.docx", FileName: "pedido.docx",
	})
	require.NoError(t, err)
	assert.Equal(t, "Pedido 42", res.Text)
	assert.Equal(t, "docx", res.Strategy)

	_, err = newProcessor(t, &fakeDownloader{data: []byte("PK")}, &fakeAI{}, &fakeTools{}).Process(context.Background(),
		&models.TranscriptionJob{MessageID: "m6", MediaType: models.TypeDocument, MediaURL: "https://cdn/x.zip", MimeType: "application/zip"})
	var perm *PermanentMediaError
	assert.ErrorAs(t, err, &perm)
}

func TestProcessPropagatesFailures(t *testing.T) {
	missing := errors.New("no credential")
	p := NewProcessor(config.MediaConfig{}, Deps{
		Credentials: fakeCreds{err: missing},
		Downloader:  &fakeDownloader{data: []byte("OggS")},
		Transcriber: &fakeAI{},
	})
	_, err := p.Process(context.Background(), &models.TranscriptionJob{MediaType: models.TypeAudio, MediaURL: "https://cdn/a"})
	assert.ErrorIs(t, err, missing)

	rateLimited := &TransientProviderError{Provider: "openai", Op: "transcription", Err: errors.New("429")}
	p = newProcessor(t, &fakeDownloader{data: []byte("OggS")}, &fakeAI{err: rateLimited}, &fakeTools{})
	_, err = p.Process(context.Background(), &models.TranscriptionJob{MediaType: models.TypeAudio, MediaURL: "https://cdn/b"})
	assert.ErrorIs(t, err, rateLimited)

	_, err = newProcessor(t, &fakeDownloader{}, &fakeAI{}, &fakeTools{}).Process(context.Background(),
		&models.TranscriptionJob{MediaType: models.TypeLocation, MediaURL: "https://cdn/c"})
	var perm *PermanentMediaError
	assert.ErrorAs(t, err, &perm)
	assert.True(t, perm.Permanent())
}
