package files

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"sync"

	"github.com/go-faster/errors"
	"github.com/gotd/td/bin"
	"github.com/gotd/td/tg"

	"telegram-client/internal/infra/config"
	"telegram-client/internal/infra/logger"
	"telegram-client/internal/telegram/transport"
)

// Ошибки валидации выгрузки.
var (
	ErrEmptyFile  = errors.New("file size equals to 0 B")
	ErrFileTooBig = errors.New("files bigger than 1500 MiB are not supported")
)

// uploadQueueSize — ёмкость очереди чанков между читателем файла и воркерами.
const uploadQueueSize = 16

// UploadOptions — параметры выгрузки. FileID+FilePart задают режим докачки:
// повторно отправляется ровно одна протухшая часть уже известного файла.
type UploadOptions struct {
	FileID   int64
	FilePart int
	Progress Progress
}

// SaveFile выгружает файл на сервер по частям в 512 KiB и возвращает InputFile
// для подстановки в запрос отправки. Большие файлы (свыше 10 MiB) идут через
// пул из трёх медиа-сессий с четырьмя воркерами на каждую и без md5; маленькие —
// через одну сессию с одним воркером и md5-контролем.
//
// В режиме докачки (opts.FileID != 0) отправляется одна часть с индексом
// opts.FilePart, результат — nil, nil: файл на сервере уже собран из прежних
// частей.
func (e *Engine) SaveFile(ctx context.Context, path string, opts UploadOptions) (tg.InputFileClass, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, errors.Wrap(err, "stat upload file")
	}
	fileSize := info.Size()
	if fileSize == 0 {
		return nil, ErrEmptyFile
	}
	if fileSize > config.MaxFileSize {
		return nil, ErrFileTooBig
	}

	partSize := int64(config.UploadPartSize)
	totalParts := int((fileSize + partSize - 1) / partSize)
	isBig := fileSize > config.BigFileThreshold
	isMissingPart := opts.FileID != 0

	poolSize, workersPerSession := 1, 1
	if isBig {
		poolSize, workersPerSession = 3, 4
	}

	fileID := opts.FileID
	if fileID == 0 {
		fileID = rand.Int63()
	}

	var md5Sum = md5.New()
	useMD5 := !isBig && !isMissingPart

	// Пул сессий к домашнему DC и воркеры, вычитывающие очередь чанков.
	sessions := make([]transport.Session, 0, poolSize)
	defer func() {
		for _, s := range sessions {
			if stopErr := s.Stop(); stopErr != nil {
				logger.Warnf("files: stop upload session: %v", stopErr)
			}
		}
	}()
	for i := 0; i < poolSize; i++ {
		s, err := e.factory.Create(ctx, e.homeDC(), false)
		if err != nil {
			return nil, errors.Wrap(err, "create upload session")
		}
		if err := s.Start(ctx); err != nil {
			return nil, errors.Wrap(err, "start upload session")
		}
		sessions = append(sessions, s)
	}

	queue := make(chan bin.Encoder, uploadQueueSize)
	var wg sync.WaitGroup
	for _, s := range sessions {
		for i := 0; i < workersPerSession; i++ {
			wg.Add(1)
			go func(s transport.Session) {
				defer wg.Done()
				uploadWorker(ctx, s, queue)
			}(s)
		}
	}
	// По «ядовитой» пилюле на воркера; ожидание гарантирует, что все чанки
	// ушли в сеть до остановки сессий.
	defer wg.Wait()
	defer func() {
		for i := 0; i < poolSize*workersPerSession; i++ {
			queue <- nil
		}
	}()

	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "open upload file")
	}
	defer func() { _ = f.Close() }()

	filePart := opts.FilePart
	if _, err := f.Seek(partSize*int64(filePart), io.SeekStart); err != nil {
		return nil, errors.Wrap(err, "seek upload file")
	}

	buf := make([]byte, partSize)
	for {
		n, err := io.ReadFull(f, buf)
		if n == 0 {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				break
			}
			return nil, errors.Wrap(err, "read upload file")
		}
		chunk := make([]byte, n)
		copy(chunk, buf[:n])

		var rpc bin.Encoder
		if isBig {
			rpc = &tg.UploadSaveBigFilePartRequest{
				FileID:         fileID,
				FilePart:       filePart,
				FileTotalParts: totalParts,
				Bytes:          chunk,
			}
		} else {
			rpc = &tg.UploadSaveFilePartRequest{
				FileID:   fileID,
				FilePart: filePart,
				Bytes:    chunk,
			}
		}
		queue <- rpc

		if isMissingPart {
			// Докачка: одна часть, сборка файла не меняется.
			return nil, nil
		}

		if useMD5 {
			_, _ = md5Sum.Write(chunk)
		}
		filePart++

		if opts.Progress != nil {
			current := int64(filePart) * partSize
			if current > fileSize {
				current = fileSize
			}
			if progressErr := opts.Progress(current, fileSize); progressErr != nil {
				if errors.Is(progressErr, ErrStopTransmission) {
					return nil, progressErr
				}
				return nil, errors.Wrap(progressErr, "upload progress")
			}
		}

		if err == io.ErrUnexpectedEOF {
			break
		}
	}

	name := filepath.Base(path)
	if isBig {
		return &tg.InputFileBig{
			ID:    fileID,
			Parts: totalParts,
			Name:  name,
		}, nil
	}
	return &tg.InputFile{
		ID:          fileID,
		Parts:       totalParts,
		Name:        name,
		MD5Checksum: hex.EncodeToString(md5Sum.Sum(nil)),
	}, nil
}

// uploadWorker отправляет чанки из очереди до «ядовитого» nil. Ошибка одной
// части логируется и не останавливает остальных: сервер сам сообщит о
// недостающей части при сборке файла.
func uploadWorker(ctx context.Context, s transport.Session, queue chan bin.Encoder) {
	for rpc := range queue {
		if rpc == nil {
			return
		}
		var result tg.BoolBox
		if err := s.Send(ctx, rpc, &result, transport.DefaultRetries, transport.DefaultTimeout); err != nil {
			logger.Errorf("files: save file part: %v", err)
		}
	}
}
