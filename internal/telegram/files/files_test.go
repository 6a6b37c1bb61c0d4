package files_test

import (
	"bytes"
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/gotd/td/bin"
	"github.com/gotd/td/tg"
	"github.com/gotd/td/tgerr"

	"telegram-client/internal/infra/config"
	"telegram-client/internal/telegram/files"
	"telegram-client/internal/telegram/transport"
)

// uploadRecorder собирает отправленные части файла со всех сессий.
type uploadRecorder struct {
	mu    sync.Mutex
	small []*tg.UploadSaveFilePartRequest
	big   []*tg.UploadSaveBigFilePartRequest
}

// fakeUploadSession пишет запросы в общий recorder.
type fakeUploadSession struct {
	rec     *uploadRecorder
	stopped bool
}

func (s *fakeUploadSession) Start(context.Context) error { return nil }
func (s *fakeUploadSession) Stop() error                 { s.stopped = true; return nil }

func (s *fakeUploadSession) Send(_ context.Context, input bin.Encoder, output bin.Decoder, _ int, _ time.Duration) error {
	s.rec.mu.Lock()
	defer s.rec.mu.Unlock()
	switch req := input.(type) {
	case *tg.UploadSaveFilePartRequest:
		s.rec.small = append(s.rec.small, req)
	case *tg.UploadSaveBigFilePartRequest:
		s.rec.big = append(s.rec.big, req)
	default:
		return errors.Errorf("unexpected upload request %T", input)
	}
	if box, ok := output.(*tg.BoolBox); ok {
		box.Bool = &tg.BoolTrue{}
	}
	return nil
}

type fakeUploadFactory struct {
	rec      *uploadRecorder
	mu       sync.Mutex
	sessions []*fakeUploadSession
}

func (f *fakeUploadFactory) Create(_ context.Context, _ int, _ bool) (transport.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := &fakeUploadSession{rec: f.rec}
	f.sessions = append(f.sessions, s)
	return s, nil
}

func writeTempFile(t *testing.T, size int) string {
	t.Helper()
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i)
	}
	path := filepath.Join(t.TempDir(), "payload.bin")
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("write payload: %v", err)
	}
	return path
}

func newUploadEngine(t *testing.T) (*files.Engine, *fakeUploadFactory, *uploadRecorder) {
	t.Helper()
	rec := &uploadRecorder{}
	factory := &fakeUploadFactory{rec: rec}
	e := files.NewEngine(factory, nil, nil, func() int { return 2 }, 1)
	return e, factory, rec
}

func TestSaveFileSmallUsesMD5(t *testing.T) {
	t.Parallel()

	size := config.UploadPartSize + 100 // две части, но меньше порога больших
	path := writeTempFile(t, size)
	e, factory, rec := newUploadEngine(t)

	result, err := e.SaveFile(context.Background(), path, files.UploadOptions{})
	if err != nil {
		t.Fatalf("SaveFile: %v", err)
	}

	input, ok := result.(*tg.InputFile)
	if !ok {
		t.Fatalf("result: %T, want *tg.InputFile", result)
	}
	if input.Parts != 2 {
		t.Errorf("parts: got %d, want 2", input.Parts)
	}

	// Маленький файл — одна сессия, один воркер, части малого формата.
	if len(factory.sessions) != 1 {
		t.Errorf("sessions: got %d, want 1", len(factory.sessions))
	}
	if len(rec.small) != 2 || len(rec.big) != 0 {
		t.Fatalf("parts sent: small=%d big=%d", len(rec.small), len(rec.big))
	}

	// md5 считается по содержимому целиком.
	raw, _ := os.ReadFile(path)
	sum := md5.Sum(raw)
	if input.MD5Checksum != hex.EncodeToString(sum[:]) {
		t.Errorf("md5: got %q", input.MD5Checksum)
	}

	for _, s := range factory.sessions {
		if !s.stopped {
			t.Error("upload session not stopped")
		}
	}
}

func TestSaveFileBigUsesSessionPool(t *testing.T) {
	t.Parallel()

	size := 11 * 1024 * 1024 // больше порога в 10 MiB
	path := writeTempFile(t, size)
	e, factory, rec := newUploadEngine(t)

	result, err := e.SaveFile(context.Background(), path, files.UploadOptions{})
	if err != nil {
		t.Fatalf("SaveFile: %v", err)
	}

	input, ok := result.(*tg.InputFileBig)
	if !ok {
		t.Fatalf("result: %T, want *tg.InputFileBig", result)
	}
	wantParts := (size + config.UploadPartSize - 1) / config.UploadPartSize
	if input.Parts != wantParts {
		t.Errorf("parts: got %d, want %d", input.Parts, wantParts)
	}

	if len(factory.sessions) != 3 {
		t.Errorf("sessions: got %d, want 3", len(factory.sessions))
	}
	if len(rec.big) != wantParts || len(rec.small) != 0 {
		t.Errorf("parts sent: big=%d small=%d, want big=%d", len(rec.big), len(rec.small), wantParts)
	}
	for _, part := range rec.big {
		if part.FileTotalParts != wantParts || part.FileID != input.ID {
			t.Errorf("big part fields: %+v", part)
			break
		}
	}
}

func TestSaveFileResumeSendsSinglePart(t *testing.T) {
	t.Parallel()

	path := writeTempFile(t, 3*config.UploadPartSize)
	e, _, rec := newUploadEngine(t)

	result, err := e.SaveFile(context.Background(), path, files.UploadOptions{FileID: 777, FilePart: 1})
	if err != nil {
		t.Fatalf("SaveFile resume: %v", err)
	}
	if result != nil {
		t.Errorf("resume result: %#v, want nil", result)
	}
	if len(rec.small) != 1 {
		t.Fatalf("resume parts sent: %d, want 1", len(rec.small))
	}
	part := rec.small[0]
	if part.FileID != 777 || part.FilePart != 1 {
		t.Errorf("resume part: id=%d part=%d", part.FileID, part.FilePart)
	}
}

func TestSaveFileValidation(t *testing.T) {
	t.Parallel()

	e, _, _ := newUploadEngine(t)

	empty := filepath.Join(t.TempDir(), "empty.bin")
	if err := os.WriteFile(empty, nil, 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := e.SaveFile(context.Background(), empty, files.UploadOptions{}); !errors.Is(err, files.ErrEmptyFile) {
		t.Errorf("empty file: got %v, want ErrEmptyFile", err)
	}
	if _, err := e.SaveFile(context.Background(), filepath.Join(t.TempDir(), "absent"), files.UploadOptions{}); err == nil {
		t.Error("missing file: expected error")
	}
}

func TestSaveFileStopTransmission(t *testing.T) {
	t.Parallel()

	path := writeTempFile(t, 3*config.UploadPartSize)
	e, _, _ := newUploadEngine(t)

	calls := 0
	_, err := e.SaveFile(context.Background(), path, files.UploadOptions{
		Progress: func(current, total int64) error {
			calls++
			if calls == 2 {
				return files.ErrStopTransmission
			}
			return nil
		},
	})
	if !errors.Is(err, files.ErrStopTransmission) {
		t.Errorf("SaveFile: got %v, want ErrStopTransmission", err)
	}
}

// --- скачивание ---

// fakeDownloadSession обслуживает запросы скачивания из подготовленного плана.
type fakeDownloadSession struct {
	mu sync.Mutex

	data     []byte                   // содержимое файла для upload.getFile
	redirect *tg.UploadFileCDNRedirect // если не nil — первый getFile отвечает редиректом

	cdnChunks    [][]byte // ответы upload.getCdnFile по порядку
	cdnCalls     int
	reuploadErr  error
	reuploadFrom int // с какого вызова getCdnFile отвечать reuploadNeeded (0 = никогда)
	hashes       []tg.FileHash

	getFileCalls int
}

func (s *fakeDownloadSession) Start(context.Context) error { return nil }
func (s *fakeDownloadSession) Stop() error                 { return nil }

func (s *fakeDownloadSession) Send(_ context.Context, input bin.Encoder, output bin.Decoder, _ int, _ time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch req := input.(type) {
	case *tg.UploadGetFileRequest:
		s.getFileCalls++
		box := output.(*tg.UploadFileBox)
		if s.redirect != nil && s.getFileCalls == 1 {
			box.File = s.redirect
			return nil
		}
		box.File = &tg.UploadFile{Bytes: sliceAt(s.data, req.Offset, req.Limit)}
		return nil

	case *tg.UploadGetCDNFileRequest:
		s.cdnCalls++
		box := output.(*tg.UploadCDNFileBox)
		if s.reuploadFrom > 0 && s.cdnCalls == s.reuploadFrom {
			box.CdnFile = &tg.UploadCDNFileReuploadNeeded{RequestToken: []byte("again")}
			return nil
		}
		idx := 0
		if len(s.cdnChunks) > 1 {
			idx = s.cdnCalls - 1
			if idx >= len(s.cdnChunks) {
				idx = len(s.cdnChunks) - 1
			}
		}
		box.CdnFile = &tg.UploadCDNFile{Bytes: s.cdnChunks[idx]}
		return nil

	case *tg.UploadReuploadCDNFileRequest:
		if s.reuploadErr != nil {
			return s.reuploadErr
		}
		if vec, ok := output.(*tg.FileHashVector); ok {
			vec.Elems = nil
		}
		return nil

	case *tg.UploadGetCDNFileHashesRequest:
		vec := output.(*tg.FileHashVector)
		vec.Elems = s.hashes
		return nil
	}
	return errors.Errorf("unexpected download request %T", input)
}

func sliceAt(data []byte, offset int64, limit int) []byte {
	if offset >= int64(len(data)) {
		return nil
	}
	end := offset + int64(limit)
	if end > int64(len(data)) {
		end = int64(len(data))
	}
	return data[offset:end]
}

// fakePool выдаёт заранее подготовленные сессии.
type fakePool struct {
	media transport.Session
	cdn   transport.Session
}

func (p *fakePool) Media(context.Context, int) (transport.Session, error) { return p.media, nil }
func (p *fakePool) CDN(context.Context, int) (transport.Session, error)   { return p.cdn, nil }

func newDownloadEngine(session, cdn transport.Session) *files.Engine {
	return files.NewEngine(nil, &fakePool{media: session, cdn: cdn}, nil, func() int { return 2 }, 1)
}

func TestGetFilePlain(t *testing.T) {
	t.Parallel()

	content := bytes.Repeat([]byte("abc"), 100)
	session := &fakeDownloadSession{data: content}
	e := newDownloadEngine(session, nil)

	name, err := e.GetFile(context.Background(), files.DownloadRequest{
		Kind: 5, DCID: 2, ID: 1, AccessHash: 2, FileSize: int64(len(content)),
	})
	if err != nil {
		t.Fatalf("GetFile: %v", err)
	}
	t.Cleanup(func() { _ = os.Remove(name) })

	got, err := os.ReadFile(name)
	if err != nil {
		t.Fatalf("read result: %v", err)
	}
	if !bytes.Equal(got, content) {
		t.Errorf("content mismatch: got %d bytes, want %d", len(got), len(content))
	}
}

// cdnFixture готовит согласованный зашифрованный чанк с корректным хэшем.
func cdnFixture(t *testing.T, plain []byte) (*tg.UploadFileCDNRedirect, []byte, []tg.FileHash) {
	t.Helper()
	key := bytes.Repeat([]byte{7}, 32)
	iv := bytes.Repeat([]byte{9}, 16)
	// CTR симметричен: чанк для нулевого смещения шифруется исходным IV, тем
	// же преобразованием, которым движок его расшифрует.
	block, err := aes.NewCipher(key)
	if err != nil {
		t.Fatalf("encrypt fixture: %v", err)
	}
	encrypted := make([]byte, len(plain))
	cipher.NewCTR(block, iv).XORKeyStream(encrypted, plain)
	sum := sha256.Sum256(plain)
	hashes := []tg.FileHash{{Offset: 0, Limit: len(plain), Hash: sum[:]}}
	redirect := &tg.UploadFileCDNRedirect{
		DCID:          5,
		FileToken:     []byte("token"),
		EncryptionKey: key,
		EncryptionIv:  iv,
	}
	return redirect, encrypted, hashes
}

func TestGetFileCDN(t *testing.T) {
	t.Parallel()

	plain := []byte("cdn file content")
	redirect, encrypted, hashes := cdnFixture(t, plain)

	session := &fakeDownloadSession{redirect: redirect, hashes: hashes}
	cdn := &fakeDownloadSession{cdnChunks: [][]byte{encrypted}}
	e := newDownloadEngine(session, cdn)

	name, err := e.GetFile(context.Background(), files.DownloadRequest{Kind: 5, DCID: 2, ID: 1})
	if err != nil {
		t.Fatalf("GetFile: %v", err)
	}
	t.Cleanup(func() { _ = os.Remove(name) })

	got, err := os.ReadFile(name)
	if err != nil {
		t.Fatalf("read result: %v", err)
	}
	if !bytes.Equal(got, plain) {
		t.Errorf("cdn content: got %q, want %q", got, plain)
	}
}

func TestGetFileCDNCorruptionFailsWithoutRetry(t *testing.T) {
	t.Parallel()

	plain := []byte("cdn file content")
	redirect, encrypted, _ := cdnFixture(t, plain)
	badSum := sha256.Sum256([]byte("tampered"))
	badHashes := []tg.FileHash{{Offset: 0, Limit: len(plain), Hash: badSum[:]}}

	session := &fakeDownloadSession{redirect: redirect, hashes: badHashes}
	cdn := &fakeDownloadSession{cdnChunks: [][]byte{encrypted}}
	e := newDownloadEngine(session, cdn)

	name, err := e.GetFile(context.Background(), files.DownloadRequest{Kind: 5, DCID: 2, ID: 1})
	if !errors.Is(err, files.ErrCdnHashMismatch) {
		t.Fatalf("GetFile: got %v, want ErrCdnHashMismatch", err)
	}
	if name != "" {
		t.Errorf("corrupted download returned path %q", name)
	}
	// Повреждение фатально: второй запрос чанка не выполняется.
	if cdn.cdnCalls != 1 {
		t.Errorf("cdn calls: got %d, want 1", cdn.cdnCalls)
	}
}

func TestGetFileCDNReuploadThenRetry(t *testing.T) {
	t.Parallel()

	plain := []byte("cdn file content")
	redirect, encrypted, hashes := cdnFixture(t, plain)

	session := &fakeDownloadSession{redirect: redirect, hashes: hashes}
	// Первый getCdnFile отвечает reuploadNeeded; после успешного reupload то же
	// смещение запрашивается повторно и получает чанк.
	cdn := &fakeDownloadSession{cdnChunks: [][]byte{encrypted}, reuploadFrom: 1}
	e := newDownloadEngine(session, cdn)

	name, err := e.GetFile(context.Background(), files.DownloadRequest{Kind: 5, DCID: 2, ID: 1})
	if err != nil {
		t.Fatalf("GetFile: %v", err)
	}
	t.Cleanup(func() { _ = os.Remove(name) })

	got, err := os.ReadFile(name)
	if err != nil {
		t.Fatalf("read result: %v", err)
	}
	if !bytes.Equal(got, plain) {
		t.Errorf("cdn content after reupload: got %q", got)
	}
	if cdn.cdnCalls != 2 {
		t.Errorf("cdn calls: got %d, want 2", cdn.cdnCalls)
	}
}

func TestGetFileCDNReuploadVolumeLocEndsFile(t *testing.T) {
	t.Parallel()

	plain := []byte("cdn file content")
	redirect, _, hashes := cdnFixture(t, plain)

	session := &fakeDownloadSession{
		redirect:    redirect,
		hashes:      hashes,
		reuploadErr: tgerr.New(400, "VOLUME_LOC_NOT_FOUND"),
	}
	cdn := &fakeDownloadSession{reuploadFrom: 1}
	e := newDownloadEngine(session, cdn)

	// Узел требует reupload, а основному DC нечего заливать: передача
	// завершается как достигшая конца файла, без ошибки.
	name, err := e.GetFile(context.Background(), files.DownloadRequest{Kind: 5, DCID: 2, ID: 1})
	if err != nil {
		t.Fatalf("GetFile: %v", err)
	}
	t.Cleanup(func() { _ = os.Remove(name) })

	got, err := os.ReadFile(name)
	if err != nil {
		t.Fatalf("read result: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("file content: got %d bytes, want empty", len(got))
	}
	if cdn.cdnCalls != 1 {
		t.Errorf("cdn calls: got %d, want 1", cdn.cdnCalls)
	}
}

func TestGetFileStopTransmission(t *testing.T) {
	t.Parallel()

	content := make([]byte, config.DownloadPartSize+10) // два чанка
	session := &fakeDownloadSession{data: content}
	e := newDownloadEngine(session, nil)

	name, err := e.GetFile(context.Background(), files.DownloadRequest{
		Kind: 5, DCID: 2, ID: 1, FileSize: int64(len(content)),
		Progress: func(current, total int64) error {
			return files.ErrStopTransmission
		},
	})
	if !errors.Is(err, files.ErrStopTransmission) {
		t.Fatalf("GetFile: got %v, want ErrStopTransmission", err)
	}
	if name != "" {
		t.Errorf("stopped download returned path %q", name)
	}
}
