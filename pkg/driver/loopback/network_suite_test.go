package loopback

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"github.com/arzzra/callctl/pkg/callctl"
)

// eventLog собирает уведомления получателей данных в тестах
type eventLog struct {
	mu     sync.Mutex
	events []string
}

func (l *eventLog) add(format string, args ...any) {
	l.mu.Lock()
	l.events = append(l.events, fmt.Sprintf(format, args...))
	l.mu.Unlock()
}

func (l *eventLog) Receive(conn string, p []byte) { l.add("%s:rx:%s", conn, p) }
func (l *eventLog) LinkUp(conn string)            { l.add("%s:up", conn) }
func (l *eventLog) LinkDown(conn string)          { l.add("%s:down", conn) }

func (l *eventLog) all() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.events...)
}

// NetworkSuite два движка, соединенные симулятором
type NetworkSuite struct {
	suite.Suite

	ctx    context.Context
	cancel context.CancelFunc

	net        *Network
	a, b       *Controller
	engA, engB *callctl.Registry
	log        *eventLog
}

func TestNetworkSuite(t *testing.T) {
	suite.Run(t, new(NetworkSuite))
}

func (s *NetworkSuite) SetupTest() {
	s.ctx, s.cancel = context.WithTimeout(context.Background(), 2*time.Second)
	s.net = NewNetwork(nil)
	s.log = &eventLog{}

	var err error
	s.a, err = s.net.Add(Config{ID: "a", Channels: 2, MSNs: []string{"100"}})
	s.Require().NoError(err)
	s.b, err = s.net.Add(Config{ID: "b", Channels: 1, MSNs: []string{"2*"}})
	s.Require().NoError(err)

	s.engA, s.engB = newEngine(s.T()), newEngine(s.T())
	s.Require().NoError(s.a.Register(s.ctx, s.engA))
	s.Require().NoError(s.b.Register(s.ctx, s.engB))
}

func (s *NetworkSuite) TearDownTest() {
	s.cancel()
}

func (s *NetworkSuite) conn(reg *callctl.Registry, name, local string, numbers ...string) {
	addConn(s.T(), reg, name, local, numbers...)
	s.Require().NoError(reg.SetReceiver(name, s.log))
}

func (s *NetworkSuite) TestDataBothWays() {
	s.conn(s.engA, "caller", "100", "200")
	s.conn(s.engB, "callee", "200")

	s.Require().NoError(s.engA.Dial(s.ctx, "caller"))
	s.Require().NoError(s.engB.WaitConnected(s.ctx, "callee"))

	_, err := s.engA.Submit(s.ctx, "caller", []byte("ping"))
	s.Require().NoError(err)
	_, err = s.engB.Submit(s.ctx, "callee", []byte("pong"))
	s.Require().NoError(err)

	s.Require().NoError(s.engB.Hangup(s.ctx, "callee"))
	s.Require().NoError(s.engA.WaitState(s.ctx, "caller", callctl.ConnIdle))

	events := s.log.all()
	s.Contains(events, "caller:up")
	s.Contains(events, "callee:up")
	s.Contains(events, "callee:rx:ping")
	s.Contains(events, "caller:rx:pong")
	s.Contains(events, "caller:down")
	s.Contains(events, "callee:down")

	st, err := s.engB.Status("callee")
	s.Require().NoError(err)
	s.EqualValues(4, st.RxBytes)
	s.EqualValues(4, st.TxBytes)
}

func (s *NetworkSuite) TestBusyWhenAllLinesTaken() {
	s.conn(s.engA, "first", "100", "200")
	s.conn(s.engA, "second", "100", "200")
	s.conn(s.engB, "callee", "200")

	s.Require().NoError(s.engA.Dial(s.ctx, "first"))
	s.Require().NoError(s.engA.WaitConnected(s.ctx, "first"))

	// у b одна линия, второй вызов получает "занято"
	s.Require().NoError(s.engA.Dial(s.ctx, "second"))
	s.Require().ErrorIs(s.engA.WaitConnected(s.ctx, "second"), callctl.ErrDialExhausted)

	st, err := s.engA.Status("first")
	s.Require().NoError(err)
	s.Equal(callctl.ConnActive, st.State)
	s.Equal("up", s.a.LineState(0))
	s.Equal("idle", s.a.LineState(1))
	s.NoError(s.engA.CheckInvariants())
}

func (s *NetworkSuite) TestVoiceCallSkipsDataConnection() {
	s.conn(s.engA, "caller", "v100", "200")
	s.conn(s.engB, "data", "200")
	s.conn(s.engB, "voice", "v200")

	s.Require().NoError(s.engA.Dial(s.ctx, "caller"))
	s.Require().NoError(s.engB.WaitConnected(s.ctx, "voice"))

	voice, err := s.engB.Status("voice")
	s.Require().NoError(err)
	s.Equal("100", voice.Peer)
	s.Equal("in", voice.Direction)

	data, err := s.engB.Status("data")
	s.Require().NoError(err)
	s.Equal(callctl.ConnIdle, data.State)
}
