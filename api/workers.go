package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"blindscan/logging"
	"blindscan/scanner"
)

// ScanFunc runs one idle scan of hosts through zombie.
type ScanFunc func(ctx context.Context, zombie string, hosts []string, ports []uint16) ([]scanner.ScanResult, error)

// ZombiePool keeps one qualified IdleScanner per zombie address and probe
// port so consecutive tasks reuse the zombie's IPID class and timing. Every
// scan through one zombie IPv4 address holds that address's lock, whatever
// spelling or probe port the task used, since the zombie has a single IPID
// counter. A scanner that failed fatally is requalified by the next task.
type ZombiePool struct {
	opts      scanner.Options
	newIdle   func(zombie string, opts scanner.Options) *scanner.IdleScanner
	resolve   func(host string) (net.IP, error)
	execute   func(ctx context.Context, idle *scanner.IdleScanner, hosts []string, ports []uint16) ([]scanner.ScanResult, error)
	initOnce  sync.Once
	initErr   error
	initCheck func() error

	mu       sync.Mutex
	scanners map[string]*scanner.IdleScanner
	locks    map[string]*sync.Mutex
}

// NewZombiePool creates a pool that scans with opts over raw sockets.
func NewZombiePool(opts scanner.Options) *ZombiePool {
	return &ZombiePool{
		opts: opts,
		newIdle: func(zombie string, opts scanner.Options) *scanner.IdleScanner {
			return scanner.NewIdleScanner(zombie, opts)
		},
		resolve:   scanner.NewRawTransport().Resolve,
		execute:   scanner.ExecuteScan,
		initCheck: scanner.InitIdleScan,
		scanners:  make(map[string]*scanner.IdleScanner),
		locks:     make(map[string]*sync.Mutex),
	}
}

// pooledZombie is a cached scanner plus the lock of the address it probes.
type pooledZombie struct {
	key  string
	idle *scanner.IdleScanner
	lock *sync.Mutex
}

func (p *ZombiePool) get(zombie string) (*pooledZombie, error) {
	host, port, err := scanner.ParseZombie(strings.TrimSpace(zombie))
	if err != nil {
		return nil, err
	}
	addr, err := p.resolve(strings.TrimSuffix(host, "."))
	if err != nil {
		return nil, &scanner.FatalError{Zombie: zombie, Err: scanner.ErrZombieResolve, Detail: fmt.Sprintf("%s: %v", host, err)}
	}
	ip := addr.String()
	key := zombieKey(ip, port)

	p.mu.Lock()
	defer p.mu.Unlock()
	idle, ok := p.scanners[key]
	if !ok {
		idle = p.newIdle(key, p.opts)
		p.scanners[key] = idle
	}
	lock, ok := p.locks[ip]
	if !ok {
		lock = &sync.Mutex{}
		p.locks[ip] = lock
	}
	return &pooledZombie{key: key, idle: idle, lock: lock}, nil
}

func (p *ZombiePool) evict(z *pooledZombie) {
	p.mu.Lock()
	if p.scanners[z.key] == z.idle {
		delete(p.scanners, z.key)
	}
	p.mu.Unlock()
	_ = z.idle.Close()
}

// Scan implements ScanFunc.
func (p *ZombiePool) Scan(ctx context.Context, zombie string, hosts []string, ports []uint16) ([]scanner.ScanResult, error) {
	p.initOnce.Do(func() {
		p.initErr = p.initCheck()
	})
	if p.initErr != nil {
		return nil, p.initErr
	}

	z, err := p.get(zombie)
	if err != nil {
		return nil, err
	}

	z.lock.Lock()
	defer z.lock.Unlock()
	results, err := p.execute(ctx, z.idle, hosts, ports)
	if scanner.IsFatal(err) {
		p.evict(z)
	}
	return results, err
}

// Close releases every cached scanner.
func (p *ZombiePool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for key, idle := range p.scanners {
		_ = idle.Close()
		delete(p.scanners, key)
	}
}

// StartWorkers launches background goroutines that process scan tasks until
// ctx ends. The returned WaitGroup completes once every worker has stopped.
func StartWorkers(ctx context.Context, store TaskStore, scan ScanFunc, numWorkers int) *sync.WaitGroup {
	var wg sync.WaitGroup
	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			workerLoop(ctx, store, scan, logging.Logger().With("worker", id))
		}(i)
	}
	return &wg
}

func workerLoop(ctx context.Context, store TaskStore, scan ScanFunc, logger *slog.Logger) {
	for {
		taskID, err := store.PopFromQueue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Error("worker failed to pop task", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		processTask(ctx, store, scan, taskID, logger)
	}
}

func processTask(ctx context.Context, store TaskStore, scan ScanFunc, taskID string, logger *slog.Logger) {
	task, err := store.GetTask(ctx, taskID)
	if err != nil {
		if errors.Is(err, ErrTaskNotFound) {
			logger.Warn("worker task disappeared", "task_id", taskID)
			return
		}
		logger.Error("worker failed to load task", "task_id", taskID, "error", err)
		return
	}

	task.Status = StatusRunning
	task.Error = ""
	task.Results = nil
	task.CompletedAt = nil
	if err := store.UpdateTask(ctx, task); err != nil {
		logger.Error("worker failed to mark task running", "task_id", taskID, "error", err)
		return
	}

	ports, err := scanner.ParsePortSpec(task.Ports)
	if err != nil {
		failTask(ctx, task, store, err, logger)
		return
	}

	logger.Info("worker starting idle scan", "task_id", task.ID, "zombie", task.Zombie, "hosts", len(task.Hosts), "ports", len(ports))
	results, err := scan(ctx, task.Zombie, task.Hosts, ports)
	if err != nil {
		failTask(ctx, task, store, err, logger)
		return
	}

	task.Status = StatusCompleted
	task.Results = results
	if task.Results == nil {
		task.Results = []scanner.ScanResult{}
	}
	now := time.Now().UTC()
	task.CompletedAt = &now

	if err := store.UpdateTask(ctx, task); err != nil {
		logger.Error("worker failed to update task", "task_id", task.ID, "error", err)
	}
}

func failTask(ctx context.Context, task *ScanTask, store TaskStore, err error, logger *slog.Logger) {
	logger.Error("worker task failed", "task_id", task.ID, "error", err)
	task.Status = StatusFailed
	task.Error = err.Error()
	task.Results = nil
	now := time.Now().UTC()
	task.CompletedAt = &now
	// The task must reach a terminal state even when ctx was cancelled mid-scan.
	if updateErr := store.UpdateTask(context.WithoutCancel(ctx), task); updateErr != nil {
		logger.Error("worker failed to persist failed task", "task_id", task.ID, "error", updateErr)
	}
}
