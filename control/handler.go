package control

import (
	"log"

	"github.com/google/uuid"

	g "github.com/Meander-Cloud/go-policyd/group"
	"github.com/Meander-Cloud/go-policyd/message"
	ip "github.com/Meander-Cloud/go-policyd/net/ipc/protocol"
	"github.com/Meander-Cloud/go-policyd/rpc"
)

func (s *Service) registerHandlers() {
	d := s.node.Dispatcher()
	d.RegisterRequest(message.CallSynchronizeSettings, s.handleSynchronizeSettings)
	d.RegisterRequest(message.CallRequestConfiguration, s.handleRequestConfiguration)
	d.RegisterRequest(message.CallFilterStatus, s.handleFilterStatus)
}

// read loop goroutine; the reply is written once the refresh completes so
// the session keeps reading meanwhile
func (s *Service) handleSynchronizeSettings(conn rpc.Conn, env *message.Envelope) bool {
	if !s.beginWork() {
		s.replyCheckInfo(conn, env, message.ConfigUpdateResultErrorOccurred)
		return true
	}

	ch := s.synchronize()
	go func() {
		defer s.wg.Done()

		r, _ := s.awaitRefresh(ch)
		s.replyCheckInfo(conn, env, r.Result)
	}()

	return true
}

func (s *Service) replyCheckInfo(conn rpc.Conn, env *message.Envelope, result message.ConfigUpdateResult) {
	info := &message.ConfigCheckInfo{
		Result:    result,
		CheckedAt: s.now().UnixMilli(),
	}

	err := s.node.Reply(conn, env, info)
	if err != nil {
		log.Printf("%s: failed to reply %s, err=%s", s.c.LogPrefix, env, err.Error())
	}
}

func (s *Service) handleRequestConfiguration(conn rpc.Conn, env *message.Envelope) bool {
	err := s.node.Reply(conn, env, s.store.Current().Summary())
	if err != nil {
		log.Printf("%s: failed to reply %s, err=%s", s.c.LogPrefix, env, err.Error())
		return false
	}
	return true
}

func (s *Service) handleFilterStatus(conn rpc.Conn, env *message.Envelope) bool {
	s.dispatch(
		func() {
			// invoked on arbiter goroutine
			update := s.status
			err := s.node.Reply(conn, env, &update)
			if err != nil {
				log.Printf("%s: failed to reply %s, err=%s", s.c.LogPrefix, env, err.Error())
			}
		},
	)
	return true
}

// SessionOpened pushes the current state to a newly accepted console.
func (s *Service) SessionOpened(_ *ip.Server, session *ip.Session) {
	log.Printf("%s: %s: console connected", s.c.LogPrefix, session.Descriptor)

	s.dispatch(
		func() {
			// invoked on arbiter goroutine
			update := s.status
			s.send(session, message.CallFilterStatus, &update)
			s.send(session, message.CallConfigurationPush, s.store.Current().Summary())
			if s.timeState != nil {
				s.send(session, message.CallTimeRestriction, s.timeState)
			}
			if s.relaxed != nil {
				s.send(session, message.CallRelaxedPolicy, s.relaxed)
			}
		},
	)
}

func (s *Service) SessionClosed(_ *ip.Server, session *ip.Session, err error) {
	if err != nil {
		log.Printf("%s: %s: console disconnected, err=%s", s.c.LogPrefix, session.Descriptor, err.Error())
		return
	}
	log.Printf("%s: %s: console disconnected", s.c.LogPrefix, session.Descriptor)
}

func (s *Service) MessageReceived(_ *ip.Server, session *ip.Session, payload []byte) {
	s.node.HandleMessage(session, payload)
}

func (s *Service) send(conn rpc.Conn, call message.CallID, data any) {
	err := s.node.Send(conn, call, data)
	if err != nil {
		log.Printf("%s: failed to send %s, err=%s", s.c.LogPrefix, call, err.Error())
	}
}

// NotifyStatus records and broadcasts the filter's running state.
func (s *Service) NotifyStatus(status message.FilterStatus) {
	s.dispatch(func() { s.setStatus(status) })
}

// NotifyBlockAction reports a blocked resource to every console. Repeats of
// the same action within the block action window are suppressed.
func (s *Service) NotifyBlockAction(action message.BlockAction) {
	s.dispatch(
		func() {
			// invoked on arbiter goroutine
			if action.Time == 0 {
				action.Time = s.now().UnixMilli()
			}

			if !s.blocks.admit(&action) {
				if s.c.LogDebug {
					log.Printf("%s: suppressed repeated block of %s", s.c.LogPrefix, action.Resource)
				}
				return
			}

			if !s.blocks.armed {
				s.arbiter.ScheduleOnce(
					g.GroupBlockActionWindow,
					s.c.GetBlockActionWindow(),
					func() {
						// invoked on arbiter goroutine
						log.Printf("%s: block action window closed, %d distinct", s.c.LogPrefix, s.blocks.count())
						s.blocks.reset()
					},
				)
				s.blocks.armed = true
			}

			s.broadcast(message.CallBlockAction, &action)
		},
	)
}

func (s *Service) NotifyConfigurationUpdate(result message.ConfigUpdateResult, correlationID uuid.UUID) {
	s.dispatch(
		func() {
			s.broadcast(
				message.CallConfigurationUpdate,
				&message.ConfigurationUpdate{Result: result, CorrelationID: correlationID},
			)
		},
	)
}

func (s *Service) NotifyUpdateAvailable(update message.UpdateAvailable) {
	s.dispatch(func() { s.broadcast(message.CallUpdateAvailable, &update) })
}

// NotifyRelaxedPolicy broadcasts the relaxation state and replays it to
// consoles that connect later.
func (s *Service) NotifyRelaxedPolicy(relaxed message.RelaxedPolicyState) {
	s.dispatch(
		func() {
			s.relaxed = &relaxed
			s.broadcast(message.CallRelaxedPolicy, &relaxed)
		},
	)
}

func (s *Service) NotifyTimeRestriction(restriction message.TimeRestrictionState) {
	s.dispatch(
		func() {
			s.timeState = &restriction
			s.broadcast(message.CallTimeRestriction, &restriction)
		},
	)
}
