package tracker

import (
	"bufio"
	"io"
	"net"

	"github.com/pkg/errors"
	"github.com/tendermint/tendermint/libs/cmap"
	"github.com/tendermint/tendermint/libs/service"
	tmsync "github.com/tendermint/tendermint/libs/sync"

	cfg "votechain/config"
	"votechain/protocol"
)

// Server 维护当前在线的节点地址
// 每个节点保持一条长连接，消息之间用换行分隔
type Server struct {
	service.BaseService

	config *cfg.TrackerConfig

	mtx   tmsync.Mutex
	peers []string // 按加入顺序

	listener net.Listener
	conns    *cmap.CMap // remote addr -> net.Conn
}

func NewServer(config *cfg.TrackerConfig) *Server {
	s := &Server{
		config: config,
		peers:  make([]string, 0),
		conns:  cmap.NewCMap(),
	}
	s.BaseService = *service.NewBaseService(nil, "Tracker", s)
	return s
}

func (s *Server) OnStart() error {
	ln, err := net.Listen("tcp", s.config.ListenAddress)
	if err != nil {
		return errors.Wrapf(err, "listen on %s", s.config.ListenAddress)
	}
	s.listener = ln
	s.Logger.Info("tracker listening", "addr", ln.Addr().String())

	go s.acceptRoutine()
	return nil
}

func (s *Server) OnStop() {
	if err := s.listener.Close(); err != nil {
		s.Logger.Error("close listener", "err", err)
	}
	for _, c := range s.conns.Values() {
		c.(net.Conn).Close()
	}
}

// ListenAddr returns the bound address once started.
func (s *Server) ListenAddr() string {
	if s.listener == nil {
		return s.config.ListenAddress
	}
	return s.listener.Addr().String()
}

// Join adds addr if it is not known yet.
func (s *Server) Join(addr string) bool {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	for _, p := range s.peers {
		if p == addr {
			return false
		}
	}
	s.peers = append(s.peers, addr)
	return true
}

func (s *Server) Leave(addr string) bool {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	for i, p := range s.peers {
		if p == addr {
			s.peers = append(s.peers[:i], s.peers[i+1:]...)
			return true
		}
	}
	return false
}

// List returns every known address except the requester, in join order.
func (s *Server) List(requester string) []string {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	out := make([]string, 0, len(s.peers))
	for _, p := range s.peers {
		if p != requester {
			out = append(out, p)
		}
	}
	return out
}

func (s *Server) acceptRoutine() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if !s.IsRunning() || errors.Is(err, net.ErrClosed) {
				return
			}
			s.Logger.Error("accept failed", "err", err)
			continue
		}
		go s.handleConn(conn)
	}
}

func (s *Server) handleConn(conn net.Conn) {
	remote := conn.RemoteAddr().String()
	s.conns.Set(remote, conn)
	logger := s.Logger.With("remote", remote)

	// 通过这条连接加入的地址，断开时可能需要移除
	joined := make(map[string]struct{})
	defer func() {
		conn.Close()
		s.conns.Delete(remote)
		if s.config.EvictOnDisconnect {
			for addr := range joined {
				if s.Leave(addr) {
					logger.Info("evicted peer on disconnect", "peer", addr)
				}
			}
		}
	}()

	reader := bufio.NewReader(conn)
	for {
		line, err := protocol.ReadLine(reader)
		if err != nil {
			if err != io.EOF && s.IsRunning() {
				logger.Error("read from peer", "err", err)
			}
			return
		}
		msg, err := protocol.Decode(line)
		if err != nil {
			logger.Error("bad message, closing connection", "err", err)
			return
		}

		switch msg := msg.(type) {
		case *protocol.JoinNetworkMessage:
			if s.Join(msg.Addr) {
				logger.Info("peer joined", "peer", msg.Addr)
			}
			joined[msg.Addr] = struct{}{}
		case *protocol.LeaveNetworkMessage:
			if s.Leave(msg.Addr) {
				logger.Info("peer left", "peer", msg.Addr)
			}
			delete(joined, msg.Addr)
		case *protocol.ListPeersMessage:
			bz, err := protocol.EncodePeerList(s.List(msg.Addr))
			if err != nil {
				logger.Error("encode peer list", "err", err)
				return
			}
			if err := protocol.WriteLine(conn, bz); err != nil {
				logger.Error("reply peer list", "err", err)
				return
			}
		default:
			logger.Error("unexpected message for tracker, closing connection", "tag", msg.Tag())
			return
		}
	}
}
