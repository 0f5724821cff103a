package join

import (
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/maxpoletaev/grid/membership"
)

const maxDatagramSize = 1024

// MulticastSink is the part of the membership view the multicast service
// reads and updates.
type MulticastSink interface {
	Joined() bool
	IsMaster() bool
	SetMaster(addr membership.Address)
}

// MulticastService answers discovery requests when the local node is the
// master, and records the master announced by others while the local node
// has not joined yet.
type MulticastService struct {
	conn      *net.UDPConn
	group     *net.UDPAddr
	self      membership.Member
	groupName string
	password  string
	sink      MulticastSink
	logger    log.Logger
	closeOnce sync.Once
	done      chan struct{}
}

// ListenMulticast joins the multicast group and starts receiving discovery
// messages in a background goroutine.
func ListenMulticast(
	conf Config,
	self membership.Member,
	sink MulticastSink,
	logger log.Logger,
) (*MulticastService, error) {
	group := &net.UDPAddr{
		IP:   net.ParseIP(conf.Multicast.Group),
		Port: conf.Multicast.Port,
	}

	if group.IP == nil || !group.IP.IsMulticast() {
		return nil, fmt.Errorf("invalid multicast group: %q", conf.Multicast.Group)
	}

	conn, err := net.ListenMulticastUDP("udp4", nil, group)
	if err != nil {
		return nil, fmt.Errorf("failed to join multicast group %s: %w", group, err)
	}

	s := &MulticastService{
		conn:      conn,
		group:     group,
		self:      self,
		groupName: conf.GroupName,
		password:  conf.GroupPassword,
		sink:      sink,
		logger:    log.With(logger, "component", "multicast"),
		done:      make(chan struct{}),
	}

	go s.receiveLoop()

	return s, nil
}

// Send broadcasts the join info to the group.
func (s *MulticastService) Send(info JoinInfo) error {
	if _, err := s.conn.WriteToUDP(info.Marshal(), s.group); err != nil {
		return fmt.Errorf("failed to send join info: %w", err)
	}

	return nil
}

func (s *MulticastService) receiveLoop() {
	defer close(s.done)

	buf := make([]byte, maxDatagramSize)

	for {
		n, from, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}

			level.Debug(s.logger).Log("msg", "failed to read multicast datagram", "err", err)

			continue
		}

		info := JoinInfo{}
		if err := info.Unmarshal(buf[:n]); err != nil {
			level.Debug(s.logger).Log("msg", "invalid join info", "from", from, "err", err)
			continue
		}

		s.HandleJoinInfo(info)
	}
}

// HandleJoinInfo processes a received discovery message.
func (s *MulticastService) HandleJoinInfo(info JoinInfo) {
	if info.Addr == s.self.Addr {
		return
	}

	if info.GroupName != s.groupName || info.GroupPassword != s.password {
		level.Debug(s.logger).Log("msg", "join info from another group", "from", info.Addr, "group", info.GroupName)
		return
	}

	if info.Request {
		if !s.sink.Joined() || !s.sink.IsMaster() {
			return
		}

		resp := JoinInfo{
			Addr:          s.self.Addr,
			GroupName:     s.groupName,
			GroupPassword: s.password,
			NodeType:      s.self.Type,
			Request:       false,
		}

		if err := s.Send(resp); err != nil {
			level.Warn(s.logger).Log("msg", "failed to answer join request", "to", info.Addr, "err", err)
		}

		return
	}

	if !s.sink.Joined() {
		s.sink.SetMaster(info.Addr)
	}
}

// Close leaves the multicast group.
func (s *MulticastService) Close() error {
	var err error

	s.closeOnce.Do(func() {
		err = s.conn.Close()
		<-s.done
	})

	return err
}
