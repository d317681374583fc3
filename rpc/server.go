package rpc

import (
	"net"
	"net/http"

	"github.com/pkg/errors"
	"github.com/tendermint/tendermint/libs/log"
	"github.com/tendermint/tendermint/libs/service"
	tmsync "github.com/tendermint/tendermint/libs/sync"
	rpcserver "github.com/tendermint/tendermint/rpc/jsonrpc/server"

	cfg "votechain/config"
)

// EventsPath is where the websocket event stream is served.
const EventsPath = "/events"

// Server 节点的json-rpc和事件流服务
type Server struct {
	service.BaseService

	config *cfg.RPCConfig
	env    *Environment
	hub    *EventHub

	mtx      tmsync.Mutex
	listener net.Listener
}

func NewServer(config *cfg.RPCConfig, env *Environment, source EventSource) *Server {
	s := &Server{
		config: config,
		env:    env,
		hub:    NewEventHub(source),
	}
	s.BaseService = *service.NewBaseService(nil, "RPC", s)
	return s
}

func (s *Server) SetLogger(l log.Logger) {
	s.Logger = l
	s.hub.SetLogger(l.With("module", "events"))
}

func (s *Server) OnStart() error {
	if err := s.hub.Start(); err != nil {
		return err
	}

	mux := http.NewServeMux()
	rpcserver.RegisterRPCFuncs(mux, s.env.Routes(), s.Logger)
	mux.Handle(EventsPath, s.hub)

	serverConfig := rpcserver.DefaultConfig()
	serverConfig.MaxOpenConnections = s.config.MaxOpenConnections
	listener, err := rpcserver.Listen(s.config.ListenAddress, serverConfig)
	if err != nil {
		_ = s.hub.Stop()
		return errors.Wrapf(err, "rpc listen on %s", s.config.ListenAddress)
	}
	s.mtx.Lock()
	s.listener = listener
	s.mtx.Unlock()

	go func() {
		if err := rpcserver.Serve(listener, mux, s.Logger, serverConfig); err != nil && !errors.Is(err, net.ErrClosed) {
			s.Logger.Error("rpc server stopped", "err", err)
		}
	}()
	s.Logger.Info("rpc listening", "addr", listener.Addr().String())
	return nil
}

func (s *Server) OnStop() {
	if err := s.hub.Stop(); err != nil {
		s.Logger.Error("stop event hub", "err", err)
	}
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if s.listener != nil {
		if err := s.listener.Close(); err != nil {
			s.Logger.Error("close rpc listener", "err", err)
		}
	}
}

// ListenAddr returns host:port of the bound listener.
func (s *Server) ListenAddr() string {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return ""
}

func (s *Server) Hub() *EventHub {
	return s.hub
}
