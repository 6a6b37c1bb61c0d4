package files

import (
	"bytes"
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"encoding/binary"
	"os"

	"github.com/go-faster/errors"
	"github.com/gotd/td/tg"
	"github.com/gotd/td/tgerr"

	"telegram-client/internal/infra/config"
	"telegram-client/internal/infra/logger"
	"telegram-client/internal/telegram/fileid"
	"telegram-client/internal/telegram/transport"
)

// ErrCdnHashMismatch — расшифрованный CDN-чанк не сошёлся с контрольным
// sha256 диапазона. Повреждение данных фатально: докачка не повторяется.
var ErrCdnHashMismatch = errors.New("invalid cdn file hash")

// DownloadRequest описывает скачиваемый файл. Поля заполняются из
// разобранного file_id (тип, DC, id, access_hash) плюс контекст вызова.
type DownloadRequest struct {
	Kind       int
	DCID       int
	ID         int64
	AccessHash int64
	ThumbSize  string
	// PeerID — хранимый id владельца для фотографий чатов (Kind == chat_photo).
	PeerID   int64
	FileSize int64
	Big      bool
	Progress Progress
}

// GetFile скачивает файл по чанкам в 1 MiB во временный файл и возвращает его
// путь. CDN-редирект обрабатывается прозрачно: чанки расшифровываются
// (AES-256-CTR) и сверяются с серверными хэшами диапазонов. Любая ошибка
// передачи удаляет временный файл и возвращает пустой путь; ErrStopTransmission
// из progress-колбэка пробрасывается без логирования.
func (e *Engine) GetFile(ctx context.Context, req DownloadRequest) (string, error) {
	location, err := e.location(ctx, req)
	if err != nil {
		return "", err
	}

	session, err := e.pool.Media(ctx, req.DCID)
	if err != nil {
		return "", errors.Wrap(err, "media session")
	}
	api := transport.Client(session)

	name, err := e.download(ctx, api, location, req)
	if err != nil {
		if name != "" {
			_ = os.Remove(name)
		}
		if errors.Is(err, ErrStopTransmission) {
			return "", err
		}
		logger.Errorf("files: download: %v", err)
		return "", err
	}
	return name, nil
}

// location строит протокольный адрес файла по типу медиа.
func (e *Engine) location(ctx context.Context, req DownloadRequest) (tg.InputFileLocationClass, error) {
	switch req.Kind {
	case fileid.KindChatPhoto:
		peer, err := e.resolver.ResolveID(ctx, req.PeerID)
		if err != nil {
			return nil, errors.Wrap(err, "resolve chat photo owner")
		}
		return &tg.InputPeerPhotoFileLocation{
			Peer:    peer,
			PhotoID: req.ID,
			Big:     req.Big,
		}, nil
	case fileid.KindThumbnail, fileid.KindPhoto:
		return &tg.InputPhotoFileLocation{
			ID:            req.ID,
			AccessHash:    req.AccessHash,
			FileReference: []byte{},
			ThumbSize:     req.ThumbSize,
		}, nil
	case fileid.KindStickerThumb:
		return &tg.InputDocumentFileLocation{
			ID:            req.ID,
			AccessHash:    req.AccessHash,
			FileReference: []byte{},
			ThumbSize:     req.ThumbSize,
		}, nil
	default:
		return &tg.InputDocumentFileLocation{
			ID:            req.ID,
			AccessHash:    req.AccessHash,
			FileReference: []byte{},
			ThumbSize:     "",
		}, nil
	}
}

// download выполняет цикл чтения. Возвращает путь временного файла; при
// ошибке путь может быть непустым — вызывающий удаляет файл сам.
func (e *Engine) download(ctx context.Context, api *tg.Client, location tg.InputFileLocationClass, req DownloadRequest) (string, error) {
	limit := int64(config.DownloadPartSize)
	var offset int64

	first, err := api.UploadGetFile(ctx, &tg.UploadGetFileRequest{
		Location: location,
		Offset:   offset,
		Limit:    int(limit),
	})
	if err != nil {
		return "", errors.Wrap(err, "get file")
	}

	switch r := first.(type) {
	case *tg.UploadFile:
		f, err := os.CreateTemp("", "download-*.tmp")
		if err != nil {
			return "", errors.Wrap(err, "create temp file")
		}
		name := f.Name()
		defer func() { _ = f.Close() }()

		chunk := r.Bytes
		for len(chunk) > 0 {
			if _, err := f.Write(chunk); err != nil {
				return name, errors.Wrap(err, "write chunk")
			}
			offset += limit

			if err := reportProgress(req.Progress, offset, req.FileSize); err != nil {
				return name, err
			}

			next, err := api.UploadGetFile(ctx, &tg.UploadGetFileRequest{
				Location: location,
				Offset:   offset,
				Limit:    int(limit),
			})
			if err != nil {
				return name, errors.Wrap(err, "get file")
			}
			part, ok := next.(*tg.UploadFile)
			if !ok {
				return name, errors.Errorf("unexpected continuation %T", next)
			}
			chunk = part.Bytes
		}
		return name, nil

	case *tg.UploadFileCDNRedirect:
		return e.downloadCDN(ctx, api, r, req)
	}
	return "", errors.Errorf("unexpected get file result %T", first)
}

// downloadCDN читает файл с CDN-узла: чанки зашифрованы AES-256-CTR, счётчик
// IV зависит от смещения, каждая часть сверяется с хэшами диапазонов от
// основного DC.
func (e *Engine) downloadCDN(ctx context.Context, api *tg.Client, redirect *tg.UploadFileCDNRedirect, req DownloadRequest) (string, error) {
	cdnSession, err := e.pool.CDN(ctx, redirect.DCID)
	if err != nil {
		return "", errors.Wrap(err, "cdn session")
	}
	cdnAPI := transport.Client(cdnSession)

	f, err := os.CreateTemp("", "download-*.tmp")
	if err != nil {
		return "", errors.Wrap(err, "create temp file")
	}
	name := f.Name()
	defer func() { _ = f.Close() }()

	limit := int64(config.DownloadPartSize)
	var offset int64

	for {
		result, err := cdnAPI.UploadGetCDNFile(ctx, &tg.UploadGetCDNFileRequest{
			FileToken: redirect.FileToken,
			Offset:    offset,
			Limit:     int(limit),
		})
		if err != nil {
			return name, errors.Wrap(err, "get cdn file")
		}

		if reupload, ok := result.(*tg.UploadCDNFileReuploadNeeded); ok {
			// Узел потерял файл: основной DC повторно толкает его на CDN,
			// после чего то же смещение запрашивается снова.
			_, err := api.UploadReuploadCDNFile(ctx, &tg.UploadReuploadCDNFileRequest{
				FileToken:    redirect.FileToken,
				RequestToken: reupload.RequestToken,
			})
			if err != nil {
				if tgerr.Is(err, "VOLUME_LOC_NOT_FOUND") {
					// Повторно заливать нечего — файл закончился.
					return name, nil
				}
				return name, errors.Wrap(err, "reupload cdn file")
			}
			continue
		}

		file, ok := result.(*tg.UploadCDNFile)
		if !ok {
			return name, errors.Errorf("unexpected cdn result %T", result)
		}

		decrypted, err := decryptCdnChunk(file.Bytes, redirect.EncryptionKey, redirect.EncryptionIv, offset)
		if err != nil {
			return name, err
		}

		hashes, err := api.UploadGetCDNFileHashes(ctx, &tg.UploadGetCDNFileHashesRequest{
			FileToken: redirect.FileToken,
			Offset:    offset,
		})
		if err != nil {
			return name, errors.Wrap(err, "get cdn file hashes")
		}
		if err := verifyCdnChunk(decrypted, hashes); err != nil {
			return name, err
		}

		if _, err := f.Write(decrypted); err != nil {
			return name, errors.Wrap(err, "write chunk")
		}
		offset += limit

		if err := reportProgress(req.Progress, offset, req.FileSize); err != nil {
			return name, err
		}

		if int64(len(file.Bytes)) < limit {
			return name, nil
		}
	}
}

// decryptCdnChunk расшифровывает CDN-чанк: AES-256-CTR, младшие четыре байта
// IV — big-endian счётчик offset/16.
func decryptCdnChunk(chunk, key, iv []byte, offset int64) ([]byte, error) {
	if len(iv) != aes.BlockSize {
		return nil, errors.Errorf("cdn iv length %d", len(iv))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, errors.Wrap(err, "cdn cipher")
	}

	counter := make([]byte, aes.BlockSize)
	copy(counter, iv[:12])
	binary.BigEndian.PutUint32(counter[12:], uint32(offset/16))

	out := make([]byte, len(chunk))
	cipher.NewCTR(block, counter).XORKeyStream(out, chunk)
	return out, nil
}

// verifyCdnChunk сверяет расшифрованный чанк с серверными sha256 по
// диапазонам. Несовпадение — ErrCdnHashMismatch, передача прекращается.
func verifyCdnChunk(decrypted []byte, hashes []tg.FileHash) error {
	for i, h := range hashes {
		from := h.Limit * i
		to := h.Limit * (i + 1)
		if from > len(decrypted) {
			break
		}
		if to > len(decrypted) {
			to = len(decrypted)
		}
		sum := sha256.Sum256(decrypted[from:to])
		if !bytes.Equal(sum[:], h.Hash) {
			return errors.Wrapf(ErrCdnHashMismatch, "range %d", i)
		}
	}
	return nil
}

// reportProgress вызывает колбэк с защёлкнутым на размер файла текущим
// смещением (для потоков без известного размера — с самим смещением).
func reportProgress(progress Progress, offset, fileSize int64) error {
	if progress == nil {
		return nil
	}
	current := offset
	if fileSize != 0 && current > fileSize {
		current = fileSize
	}
	if err := progress(current, fileSize); err != nil {
		if errors.Is(err, ErrStopTransmission) {
			return err
		}
		return errors.Wrap(err, "download progress")
	}
	return nil
}
