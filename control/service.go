package control

import (
	"context"
	"errors"
	"fmt"
	"log"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/Meander-Cloud/go-policyd/arbiter"
	"github.com/Meander-Cloud/go-policyd/config"
	"github.com/Meander-Cloud/go-policyd/crypt"
	g "github.com/Meander-Cloud/go-policyd/group"
	"github.com/Meander-Cloud/go-policyd/message"
	"github.com/Meander-Cloud/go-policyd/net/ipc"
	"github.com/Meander-Cloud/go-policyd/policy"
	"github.com/Meander-Cloud/go-policyd/remote"
	"github.com/Meander-Cloud/go-policyd/rpc"
	"github.com/Meander-Cloud/go-policyd/state"
)

const (
	refreshKey                   = "refresh"
	stateFileName                = "state.db"
	timeRestrictionCheckInterval = time.Minute
)

var errShuttingDown = errors.New("service shutting down")

type ServiceOptions struct {
	Config *config.Config

	// defaults to an HTTP client for Config.ServiceURL
	Remote    remote.Service
	Matcher   policy.Matcher
	Protector Protector
}

// Service is the privileged side of the local channel. It owns the policy
// store, the sync schedule and every connected console session.
type Service struct {
	c          *config.Config
	options    *ServiceOptions
	ctx        context.Context
	cancel     context.CancelFunc
	inShutdown atomic.Bool
	workMutex  sync.Mutex
	wg         sync.WaitGroup
	now        func() time.Time

	arbiter  *arbiter.Arbiter
	store    *policy.Store
	state    *state.Store
	node     *rpc.Node
	listener *ipc.Listener
	refresh  singleflight.Group

	// arbiter goroutine only
	status             message.StatusUpdate
	blocks             *blockFilter
	timeState          *message.TimeRestrictionState
	relaxed            *message.RelaxedPolicyState
	syncScheduled      bool
	timeCheckScheduled bool
	protected          bool
}

func NewService(options *ServiceOptions) (*Service, error) {
	c := options.Config
	err := c.ValidateService()
	if err != nil {
		return nil, err
	}

	cipher, err := crypt.New([]byte(c.EncryptionSecret))
	if err != nil {
		err = fmt.Errorf("%s: failed to derive cipher, err=%w", c.LogPrefix, err)
		log.Printf("%s", err.Error())
		return nil, err
	}

	if options.Remote == nil {
		options.Remote, err = remote.NewClient(
			&remote.Options{
				BaseURL:    c.ServiceURL,
				Token:      func() string { return c.ServiceToken },
				Timeout:    c.GetRemoteRequestTimeout(),
				MaxRetries: c.GetRemoteMaxRetries(),
				RetryDelay: 0,
				HTTPClient: nil,
				LogPrefix:  fmt.Sprintf("%s-Remote", c.LogPrefix),
				LogDebug:   c.LogDebug,
			},
		)
		if err != nil {
			return nil, err
		}
	}
	if options.Protector == nil {
		options.Protector = NopProtector{}
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Service{
		c:          c,
		options:    options,
		ctx:        ctx,
		cancel:     cancel,
		inShutdown: atomic.Bool{},
		workMutex:  sync.Mutex{},
		wg:         sync.WaitGroup{},
		now:        time.Now,

		status: message.StatusUpdate{Status: message.FilterStatusInvalid},
		blocks: newBlockFilter(),
	}

	defer func() {
		if err != nil {
			s.Shutdown() // wait
		}
	}()

	s.store, err = policy.NewStore(
		&policy.Options{
			DataDir:              c.DataDir,
			Cipher:               cipher,
			Remote:               options.Remote,
			Matcher:              options.Matcher,
			UpdateFrequencyFloor: config.UpdateFrequencyFloor,
			DecryptWorkers:       c.GetListDecryptWorkers(),
			LogPrefix:            fmt.Sprintf("%s-Policy", c.LogPrefix),
			LogDebug:             c.LogDebug,
		},
	)
	if err != nil {
		return nil, err
	}

	s.state, err = state.Open(
		&state.Options{
			Path:      filepath.Join(c.DataDir, stateFileName),
			LogPrefix: fmt.Sprintf("%s-State", c.LogPrefix),
			LogDebug:  c.LogDebug,
		},
	)
	if err != nil {
		return nil, err
	}

	s.node = rpc.NewNode(
		&rpc.NodeOptions{
			Tracker: &rpc.TrackerOptions{
				MaxRetries:   c.GetRequestMaxRetries(),
				DiscardAfter: c.GetRequestDiscardAfter(),
				AbandonAfter: c.GetRequestAbandonAfter(),
				LogPrefix:    fmt.Sprintf("%s-Tracker", c.LogPrefix),
				LogDebug:     c.LogDebug,
			},
			LogPrefix: fmt.Sprintf("%s-Rpc", c.LogPrefix),
			LogDebug:  c.LogDebug,
		},
	)
	s.registerHandlers()

	err = options.Protector.EnableProcessProtection()
	if err != nil {
		err = fmt.Errorf("%s: failed to enable process protection, err=%w", c.LogPrefix, err)
		log.Printf("%s", err.Error())
		return nil, err
	}
	s.protected = true

	// filter with whatever is on disk until the first sync completes
	if s.store.LoadConfig() {
		s.store.LoadLists()
	}

	s.arbiter = arbiter.NewArbiter(c)

	s.listener, err = ipc.Listen(c, s)
	if err != nil {
		return nil, err
	}

	err = s.arbiter.DispatchWait(
		func() {
			s.setStatus(message.FilterStatusRunning)
			s.scheduleSync(s.firstSyncDelay())
			s.checkTimeRestriction()
		},
	)
	if err != nil {
		return nil, err
	}

	log.Printf("%s: service started", c.LogPrefix)
	return s, nil
}

func (s *Service) Shutdown() {
	// under workMutex so no beginWork adds to wg after this point
	s.workMutex.Lock()
	first := s.inShutdown.CompareAndSwap(false, true)
	s.workMutex.Unlock()
	if !first {
		return
	}
	log.Printf("%s: service shutting down", s.c.LogPrefix)

	if s.listener != nil {
		s.listener.Shutdown() // wait
	}

	// join any refresh in flight, it observes the cancelled context
	s.cancel()
	s.refresh.Do(refreshKey, func() (any, error) { return nil, errShuttingDown })
	s.wg.Wait()

	if s.arbiter != nil {
		s.arbiter.Shutdown() // wait
	}

	if s.state != nil {
		s.state.Close()
	}

	if s.protected {
		err := s.options.Protector.DisableProcessProtection()
		if err != nil {
			log.Printf("%s: failed to disable process protection, err=%s", s.c.LogPrefix, err.Error())
		}
	}

	log.Printf("%s: service shut down", s.c.LogPrefix)
}

// beginWork registers a goroutine Shutdown must wait for, and fails once
// shutdown has started.
func (s *Service) beginWork() bool {
	s.workMutex.Lock()
	defer s.workMutex.Unlock()

	if s.inShutdown.Load() {
		return false
	}
	s.wg.Add(1)
	return true
}

func (s *Service) Store() *policy.Store {
	return s.store
}

func (s *Service) Port() uint16 {
	return s.listener.Port()
}

// Synchronize runs a refresh cycle, joining the one in flight if any, and
// blocks until it completes.
func (s *Service) Synchronize() (policy.RefreshResult, error) {
	return s.awaitRefresh(s.synchronize())
}

func (s *Service) awaitRefresh(ch <-chan singleflight.Result) (policy.RefreshResult, error) {
	res := <-ch
	if res.Err != nil {
		return policy.RefreshResult{Result: message.ConfigUpdateResultErrorOccurred}, res.Err
	}
	r, ok := res.Val.(policy.RefreshResult)
	if !ok {
		err := fmt.Errorf("%s: unexpected refresh result %#v", s.c.LogPrefix, res.Val)
		log.Printf("%s", err.Error())
		return policy.RefreshResult{Result: message.ConfigUpdateResultErrorOccurred}, err
	}
	return r, nil
}

// any goroutine
func (s *Service) synchronize() <-chan singleflight.Result {
	return s.refresh.DoChan(
		refreshKey,
		func() (any, error) {
			if s.inShutdown.Load() {
				return nil, errShuttingDown
			}

			correlationID := uuid.New()
			s.dispatch(func() { s.setStatus(message.FilterStatusSynchronizing) })

			r := s.store.Refresh(s.ctx)

			s.dispatch(func() { s.onRefreshed(r, correlationID) })
			return r, nil
		},
	)
}

// arbiter goroutine
func (s *Service) onRefreshed(r policy.RefreshResult, correlationID uuid.UUID) {
	snapshot := s.store.Current()

	err := s.state.RecordSync(
		state.SyncRecord{
			At:         s.now(),
			Result:     r.Result,
			ConfigHash: snapshot.ConfigHash,
			ListsHash:  snapshot.ListsHash,
		},
	)
	if err != nil {
		log.Printf("%s: sync history not updated", s.c.LogPrefix)
	}

	switch r.Result {
	case message.ConfigUpdateResultUpdated, message.ConfigUpdateResultUpToDate:
		s.setStatus(message.FilterStatusSynchronized)
	default:
		s.setStatus(message.FilterStatusSyncFailed)
	}

	s.broadcast(
		message.CallConfigurationUpdate,
		&message.ConfigurationUpdate{Result: r.Result, CorrelationID: correlationID},
	)

	if r.Changed {
		s.broadcast(message.CallConfigurationPush, snapshot.Summary())
		s.checkTimeRestriction()
	}

	s.scheduleSync(s.syncInterval())
}

// arbiter goroutine
func (s *Service) syncInterval() time.Duration {
	cfg := s.store.Current().Config
	if cfg == nil {
		return config.UpdateFrequencyFloor
	}
	return cfg.UpdateFrequency
}

// arbiter goroutine
func (s *Service) firstSyncDelay() time.Duration {
	if !s.store.Current().ListsLoaded {
		return 0
	}

	last, found, err := s.state.LastSuccess()
	if err != nil || !found {
		return 0
	}

	return max(s.syncInterval()-s.now().Sub(last.At), 0)
}

// arbiter goroutine
func (s *Service) scheduleSync(wait time.Duration) {
	if s.syncScheduled {
		s.arbiter.Release(g.GroupSyncInterval)
		s.syncScheduled = false
	}

	s.arbiter.ScheduleOnce(
		g.GroupSyncInterval,
		wait,
		func() {
			// invoked on arbiter goroutine
			s.syncScheduled = false
			s.synchronize()
		},
	)
	s.syncScheduled = true
}

// arbiter goroutine
func (s *Service) checkTimeRestriction() {
	if s.timeCheckScheduled {
		s.arbiter.Release(g.GroupTimeRestrictionCheck)
		s.timeCheckScheduled = false
	}

	cfg := s.store.Current().Config
	if cfg != nil {
		current := cfg.TimeRestrictionAt(s.now())
		if s.timeState == nil || *s.timeState != current {
			s.timeState = &current
			log.Printf("%s: time restriction %+v", s.c.LogPrefix, current)
			s.broadcast(message.CallTimeRestriction, &current)
		}
	}

	s.arbiter.ScheduleOnce(
		g.GroupTimeRestrictionCheck,
		timeRestrictionCheckInterval,
		func() {
			// invoked on arbiter goroutine
			s.timeCheckScheduled = false
			s.checkTimeRestriction()
		},
	)
	s.timeCheckScheduled = true
}

// arbiter goroutine
func (s *Service) setStatus(status message.FilterStatus) {
	s.status = message.StatusUpdate{Status: status, Time: s.now().UnixMilli()}
	log.Printf("%s: status=%s", s.c.LogPrefix, status)

	update := s.status
	s.broadcast(message.CallFilterStatus, &update)
}

func (s *Service) dispatch(f func()) {
	if s.arbiter == nil {
		return
	}
	err := s.arbiter.Dispatch(f)
	if err != nil {
		log.Printf("%s: dropped arbiter event", s.c.LogPrefix)
	}
}

func (s *Service) broadcast(call message.CallID, data any) {
	if s.listener == nil {
		return
	}
	err := s.node.Broadcast(s.listener.Server(), call, data)
	if err != nil {
		log.Printf("%s: broadcast of %s incomplete, err=%s", s.c.LogPrefix, call, err.Error())
	}
}
