package files

import (
	"context"

	"telegram-client/internal/infra/logger"
)

// downloadJob — одна задача очереди скачивания. Канал результата буферизован,
// чтобы воркер не зависал, если вызывающий уже ушёл по контексту.
type downloadJob struct {
	ctx    context.Context
	req    DownloadRequest
	result chan downloadResult
}

type downloadResult struct {
	path string
	err  error
}

// Start поднимает воркеров очереди скачивания. Повторный Start ничего не
// делает.
func (e *Engine) Start() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.jobs != nil {
		return
	}
	e.jobs = make(chan *downloadJob, e.workers)
	for i := 0; i < e.workers; i++ {
		e.wg.Add(1)
		go e.worker(e.jobs)
	}
	logger.Debugf("files: %d download workers started", e.workers)
}

// Stop кладёт в очередь по сентинелу на воркера и ждёт, пока воркеры добьют
// уже поставленные задачи и завершатся. Повторный Stop безопасен.
func (e *Engine) Stop() {
	e.mu.Lock()
	jobs := e.jobs
	e.jobs = nil
	e.mu.Unlock()
	if jobs == nil {
		return
	}
	for i := 0; i < e.workers; i++ {
		jobs <- nil
	}
	e.wg.Wait()
	logger.Debugf("files: download workers stopped")
}

func (e *Engine) worker(jobs chan *downloadJob) {
	defer e.wg.Done()
	for job := range jobs {
		if job == nil {
			return
		}
		path, err := e.GetFile(job.ctx, job.req)
		job.result <- downloadResult{path: path, err: err}
	}
}

// Download ставит задачу в очередь воркеров и ждёт её результата. Если
// воркеры не запущены, скачивание выполняется синхронно в вызывающей
// горутине.
func (e *Engine) Download(ctx context.Context, req DownloadRequest) (string, error) {
	e.mu.Lock()
	jobs := e.jobs
	e.mu.Unlock()
	if jobs == nil {
		return e.GetFile(ctx, req)
	}

	job := &downloadJob{ctx: ctx, req: req, result: make(chan downloadResult, 1)}
	select {
	case jobs <- job:
	case <-ctx.Done():
		return "", ctx.Err()
	}
	select {
	case res := <-job.result:
		return res.path, res.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}
