package core

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/orrn/printfarm/internal/config"
	"github.com/orrn/printfarm/internal/transport"
)

const (
	defaultCommandTimeout  = 5 * time.Second
	defaultStalenessWindow = 10 * time.Second
	defaultQueueCapacity   = 50
	defaultFilamentMinTemp = 200
	defaultUploadExtension = ".gcode"
	defaultQuietPeriod     = 200 * time.Millisecond
)

type SessionOptions struct {
	CommandTimeout    time.Duration
	StalenessWindow   time.Duration
	QueueCapacity     int
	PollInterval      time.Duration
	FilamentMinTemp   float64
	UploadExtension   string
	AutoReconnect     bool
	ReconnectInterval time.Duration
	// QuietPeriod is how long the line must stay silent before the
	// identification probe is sent.
	QuietPeriod time.Duration
}

func OptionsFromConfig(cfg *config.PrintersConfig) SessionOptions {
	return SessionOptions{
		CommandTimeout:    cfg.CommandTimeout,
		StalenessWindow:   cfg.StalenessWindow,
		QueueCapacity:     cfg.QueueCapacity,
		PollInterval:      cfg.PollInterval,
		FilamentMinTemp:   cfg.FilamentMinTemp,
		UploadExtension:   cfg.UploadExtension,
		AutoReconnect:     cfg.AutoReconnect,
		ReconnectInterval: cfg.ReconnectInterval,
	}
}

func (o SessionOptions) withDefaults() SessionOptions {
	if o.CommandTimeout <= 0 {
		o.CommandTimeout = defaultCommandTimeout
	}
	if o.StalenessWindow <= 0 {
		o.StalenessWindow = defaultStalenessWindow
	}
	if o.QueueCapacity <= 0 {
		o.QueueCapacity = defaultQueueCapacity
	}
	if o.FilamentMinTemp <= 0 {
		o.FilamentMinTemp = defaultFilamentMinTemp
	}
	if o.UploadExtension == "" {
		o.UploadExtension = defaultUploadExtension
	}
	if o.QuietPeriod <= 0 {
		o.QuietPeriod = defaultQuietPeriod
	}
	return o
}

// Session owns the channel to one printer. Commands go through a bounded
// FIFO drained by a single worker, so at most one is on the wire.
type Session struct {
	id       PrinterID
	endpoint string
	opts     SessionOptions
	open     transport.Opener
	notifier Notifier
	log      *logrus.Entry

	cache *StatusCache
	jobs  *jobMachine

	// connectMu serializes Connect, Disconnect and reconnect attempts.
	connectMu   sync.Mutex
	lastAttempt time.Time

	mu         sync.Mutex
	ch         transport.Channel
	queue      []*command
	inflight   *command
	needResync bool
	stopped    bool

	wake      chan struct{}
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	startOnce sync.Once
	stopOnce  sync.Once
}

func NewSession(id PrinterID, endpoint string, open transport.Opener, opts SessionOptions, notifier Notifier, logger *logrus.Logger) *Session {
	if notifier == nil {
		notifier = nopNotifier{}
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	opts = opts.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())

	s := &Session{
		id:       id,
		endpoint: endpoint,
		opts:     opts,
		open:     open,
		notifier: notifier,
		log: logger.WithFields(logrus.Fields{
			"component":  "session",
			"printer_id": id,
		}),
		cache:  NewStatusCache(id, opts.StalenessWindow),
		wake:   make(chan struct{}, 1),
		ctx:    ctx,
		cancel: cancel,
	}
	s.jobs = newJobMachine(id, s.jobChanged)
	return s
}

func (s *Session) ID() PrinterID {
	return s.id
}

func (s *Session) Endpoint() string {
	return s.endpoint
}

// Start launches the dispatcher and, when a poll interval is set, the poller.
func (s *Session) Start() {
	s.startOnce.Do(func() {
		s.wg.Add(1)
		go s.run()

		if s.opts.PollInterval > 0 {
			s.wg.Add(1)
			go s.pollLoop()
		}
	})
}

// Stop disconnects the printer and waits for the session goroutines to exit.
// A stopped session rejects every command.
func (s *Session) Stop() {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		s.stopped = true
		s.mu.Unlock()

		s.cancel()
		s.Disconnect()
		s.wg.Wait()
	})
}

func (s *Session) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ch != nil
}

// QueueLen returns the number of queued plus in-flight commands.
func (s *Session) QueueLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pendingLocked()
}

func (s *Session) pendingLocked() int {
	n := len(s.queue)
	if s.inflight != nil {
		n++
	}
	return n
}

// Connect opens the channel and identifies the firmware. It is a no-op when
// the session is already connected.
func (s *Session) Connect(ctx context.Context) error {
	s.connectMu.Lock()
	defer s.connectMu.Unlock()
	return s.connectLocked(ctx)
}

func (s *Session) connectLocked(ctx context.Context) error {
	s.lastAttempt = time.Now()

	s.mu.Lock()
	stopped, connected := s.stopped, s.ch != nil
	s.mu.Unlock()
	if stopped {
		return fmt.Errorf("%w: session stopped", ErrDisconnected)
	}
	if connected {
		return nil
	}

	ch, err := s.open(ctx, s.endpoint)
	if err != nil {
		s.cache.RecordError(err.Error())
		return fmt.Errorf("%w: %v", ErrDisconnected, err)
	}

	resp, err := s.identify(ch)
	if err != nil {
		ch.Close()
		s.cache.RecordError(err.Error())
		if errors.Is(err, ErrTimeout) {
			return fmt.Errorf("identify %s: %w", s.endpoint, err)
		}
		return fmt.Errorf("%w: %v", ErrDisconnected, err)
	}

	s.cache.Reset()
	s.cache.Update([]string{CmdIdentify}, resp)

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		ch.Close()
		return fmt.Errorf("%w: session stopped", ErrDisconnected)
	}
	s.ch = ch
	s.needResync = false
	s.mu.Unlock()

	s.log.WithFields(logrus.Fields{
		"endpoint": s.endpoint,
		"firmware": resp.Firmware[firmwareNameKey],
	}).Info("Printer connected")
	s.notifyConnection(true, "")
	return nil
}

// Disconnect closes the channel. Queued commands fail with ErrDisconnected
// and an active job fails. The session stays registered and can reconnect.
func (s *Session) Disconnect() {
	s.connectMu.Lock()
	defer s.connectMu.Unlock()

	s.mu.Lock()
	ch := s.ch
	s.mu.Unlock()
	if ch == nil {
		return
	}
	s.detach(ch, errors.New("disconnected on request"))
}

// detach drops ch if it is still the session's channel, failing everything
// queued behind it. It reports whether ch was current.
func (s *Session) detach(ch transport.Channel, cause error) bool {
	s.mu.Lock()
	if s.ch != ch {
		s.mu.Unlock()
		return false
	}
	s.ch = nil
	s.needResync = false
	queued := s.queue
	s.queue = nil
	s.mu.Unlock()

	ch.Close()

	failErr := fmt.Errorf("%w: %v", ErrDisconnected, cause)
	for _, cmd := range queued {
		cmd.complete(ParsedResponse{Command: cmd.label()}, failErr)
	}
	s.cache.RecordError(cause.Error())
	s.jobs.fail("printer disconnected: " + cause.Error())

	s.log.WithError(cause).WithField("dropped_commands", len(queued)).Warn("Printer disconnected")
	s.notifyConnection(false, cause.Error())
	return true
}

// Submit sends gcode (one or more lines) and waits for the firmware to
// acknowledge every line. Cancelling ctx abandons the wait but not the command.
func (s *Session) Submit(ctx context.Context, gcode string) (ParsedResponse, error) {
	lines := splitCommand(gcode)
	if len(lines) == 0 {
		return ParsedResponse{}, ErrEmptyCommand
	}
	return s.do(ctx, newCommand(lines, nil))
}

// do enqueues cmd and waits for it. The command's callback runs exactly once,
// also when the command is rejected.
func (s *Session) do(ctx context.Context, cmd *command) (ParsedResponse, error) {
	if err := s.enqueue(cmd); err != nil {
		if cmd.then != nil {
			cmd.then(ParsedResponse{}, err)
		}
		return ParsedResponse{}, err
	}

	select {
	case <-cmd.done:
		return cmd.resp, cmd.err
	case <-ctx.Done():
		return ParsedResponse{}, ctx.Err()
	}
}

func (s *Session) enqueue(cmd *command) error {
	if len(cmd.lines) == 0 {
		return ErrEmptyCommand
	}
	if cmd.timeout <= 0 {
		cmd.timeout = s.opts.CommandTimeout
	}

	s.mu.Lock()
	switch {
	case s.stopped || s.ch == nil:
		s.mu.Unlock()
		return ErrDisconnected
	case s.pendingLocked() >= s.opts.QueueCapacity:
		s.mu.Unlock()
		return fmt.Errorf("%w: %d commands pending", ErrQueueFull, s.opts.QueueCapacity)
	}
	s.queue = append(s.queue, cmd)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
	return nil
}

// CurrentStatus returns the cached status without touching the printer.
func (s *Session) CurrentStatus() StatusSnapshot {
	snap, halted := s.cache.Snapshot()
	connected := s.Connected()

	snap.JobState = s.jobs.State()
	snap.Stale = snap.Stale || !connected
	snap.PrintStatus = derivePrintStatus(connected, snap.Stale, halted, snap.JobState, snap.Progress)
	snap.FilamentReady = !snap.Stale && snap.HotendTemp != nil && *snap.HotendTemp >= s.opts.FilamentMinTemp
	return snap
}

func derivePrintStatus(connected, stale, halted bool, job JobState, progress *Progress) PrintStatus {
	switch {
	case !connected || stale:
		return StatusDisconnected
	case halted || job == JobFailed:
		return StatusError
	case job == JobPaused:
		return StatusPaused
	case job == JobPrinting:
		return StatusPrinting
	case progress != nil && progress.Active && !progress.Done:
		return StatusPrinting
	default:
		return StatusIdle
	}
}

func (s *Session) Job() PrintJob {
	return s.jobs.Snapshot()
}

// UploadAndStart writes the file to the printer's SD card and starts it.
func (s *Session) UploadAndStart(ctx context.Context, filename string, data []byte) (PrintJob, error) {
	name, err := validateFilename(filename, s.opts.UploadExtension)
	if err != nil {
		return s.jobs.Snapshot(), err
	}
	lines, err := uploadLines(name, data)
	if err != nil {
		return s.jobs.Snapshot(), err
	}
	if !s.Connected() {
		return s.jobs.Snapshot(), ErrDisconnected
	}

	t, _, err := s.jobs.beginUpload(name, int64(len(data)))
	if err != nil {
		return s.jobs.Snapshot(), err
	}
	s.cache.ClearProgress()
	s.log.WithFields(logrus.Fields{"file": name, "lines": len(lines)}).Info("Uploading print file")

	cmd := newCommand(lines, func(resp ParsedResponse, err error) {
		s.jobs.finish(t, jobCommandError(resp, err))
	})
	// file lines are stored, not executed
	cmd.codes = []string{CmdBeginWrite, CmdEndWrite}

	resp, err := s.do(ctx, cmd)
	if err = jobCommandError(resp, err); err != nil {
		return s.jobs.Snapshot(), fmt.Errorf("upload %s: %w", name, err)
	}

	return s.StartPrint(ctx)
}

// StartPrint selects and starts the uploaded file of a ready job.
func (s *Session) StartPrint(ctx context.Context) (PrintJob, error) {
	return s.transition(ctx, JobPrinting, func(job PrintJob) []string {
		return startLines(job.Filename)
	}, JobReady)
}

func (s *Session) Pause(ctx context.Context) (PrintJob, error) {
	return s.transition(ctx, JobPaused, fixed(CmdPause), JobPrinting)
}

func (s *Session) Resume(ctx context.Context) (PrintJob, error) {
	return s.transition(ctx, JobPrinting, fixed(CmdStartResume), JobPaused)
}

func (s *Session) Cancel(ctx context.Context) (PrintJob, error) {
	return s.transition(ctx, JobCanceled, fixed(cancelSequence...), JobPrinting, JobPaused)
}

func fixed(lines ...string) func(PrintJob) []string {
	return func(PrintJob) []string { return lines }
}

func (s *Session) transition(ctx context.Context, to JobState, lines func(PrintJob) []string, from ...JobState) (PrintJob, error) {
	if !s.Connected() {
		return s.jobs.Snapshot(), ErrDisconnected
	}
	t, err := s.jobs.begin(to, from...)
	if err != nil {
		return s.jobs.Snapshot(), err
	}

	resp, err := s.do(ctx, newCommand(lines(s.jobs.Snapshot()), func(resp ParsedResponse, err error) {
		s.jobs.finish(t, jobCommandError(resp, err))
	}))
	return s.jobs.Snapshot(), jobCommandError(resp, err)
}

func (s *Session) LoadFilament(ctx context.Context) (ParsedResponse, error) {
	return s.filament(ctx, CmdLoadFilament)
}

func (s *Session) UnloadFilament(ctx context.Context) (ParsedResponse, error) {
	return s.filament(ctx, CmdUnloadFilament)
}

func (s *Session) filament(ctx context.Context, code string) (ParsedResponse, error) {
	if !s.Connected() {
		return ParsedResponse{}, ErrDisconnected
	}
	st := s.CurrentStatus()
	switch {
	case st.Stale || st.HotendTemp == nil:
		return ParsedResponse{}, fmt.Errorf("%w: hotend temperature unknown", ErrHotendTooCold)
	case *st.HotendTemp < s.opts.FilamentMinTemp:
		return ParsedResponse{}, fmt.Errorf("%w: %.1f°C is below %.0f°C", ErrHotendTooCold, *st.HotendTemp, s.opts.FilamentMinTemp)
	}
	return s.do(ctx, newCommand([]string{code}, nil))
}

func (s *Session) ListFiles(ctx context.Context) ([]SDFile, error) {
	resp, err := s.do(ctx, newCommand([]string{CmdListFiles}, nil))
	if err != nil {
		return nil, err
	}
	return parseFileList(resp.Lines)
}

func (s *Session) EndStops(ctx context.Context) (map[string]string, error) {
	resp, err := s.do(ctx, newCommand([]string{CmdEndStops}, nil))
	if err != nil {
		return nil, err
	}
	return parseEndStops(resp.Lines)
}

func (s *Session) jobChanged(job PrintJob) {
	entry := s.log.WithFields(logrus.Fields{"job_id": job.ID, "file": job.Filename, "state": job.State})
	if job.Error != "" {
		entry = entry.WithField("reason", job.Error)
	}
	entry.Info("Job state changed")

	s.notifier.Notify(Event{Type: EventJobChanged, PrinterID: s.id, Time: time.Now(), Job: &job})
}

func (s *Session) notifyConnection(connected bool, reason string) {
	s.notifier.Notify(Event{
		Type:      EventConnectionChanged,
		PrinterID: s.id,
		Time:      time.Now(),
		Connected: &connected,
		Error:     reason,
	})
}
