package main

import (
	"fmt"
	"net"
	"strconv"

	"github.com/galdor/go-log"
	"github.com/galdor/go-program"
	"github.com/galdor/go-service/pkg/service"
	"github.com/galdor/go-service/pkg/shttp"

	"github.com/raftlabs/raftcore/pkg/raft"
)

type Service struct {
	Cfg     ServiceCfg
	Program *program.Program
	Service *service.Service
	Log     *log.Logger

	store      *Store
	raftServer *raft.Server
	apiServer  *APIServer
}

func NewService() *Service {
	return &Service{}
}

func (s *Service) InitProgram(p *program.Program) {
	s.Program = p

	p.AddArgument("id", "the identifier of this server within the cluster")
}

func (s *Service) DefaultCfg() interface{} {
	return &s.Cfg
}

func (s *Service) ValidateCfg() error {
	return nil
}

func (s *Service) ServiceCfg() *service.ServiceCfg {
	cfg := &s.Cfg.Service

	id := s.selfId()
	spec, found := s.Cfg.Cluster.byId(id)
	if !found {
		panic(fmt.Sprintf("unknown server id %d", id))
	}

	if cfg.HTTPServers == nil {
		cfg.HTTPServers = make(map[string]*shttp.ServerCfg)
	}

	cfg.HTTPServers["api"] = &shttp.ServerCfg{
		Address:               net.JoinHostPort(spec.Host, strconv.Itoa(s.Cfg.Cluster.Client.Port)),
		LogSuccessfulRequests: true,
		ErrorHandler:          shttp.JSONErrorHandler,
	}

	return cfg
}

func (s *Service) Init(ss *service.Service) error {
	s.Service = ss
	s.Log = ss.Log

	s.store = NewStore()

	if err := s.initRaftServer(); err != nil {
		return err
	}

	if err := s.initAPIServer(); err != nil {
		return err
	}

	return nil
}

func (s *Service) initRaftServer() error {
	id := s.selfId()

	logger := s.Log.Child("raft", log.Data{
		"instance": id,
	})

	serverCfg := raft.ServerCfg{
		Id:            id,
		Servers:       s.Cfg.Cluster.ServerSet(),
		DataDirectory: s.Cfg.DataDirectory,
		Logger:        logger,
		ApplyFunc:     s.applyLogEntry,
	}

	server, err := raft.NewServer(serverCfg)
	if err != nil {
		return fmt.Errorf("cannot create raft server: %w", err)
	}

	s.raftServer = server

	return nil
}

func (s *Service) initAPIServer() error {
	api, err := NewAPIServer(s)
	if err != nil {
		return fmt.Errorf("cannot create api server: %w", err)
	}

	s.apiServer = api

	return nil
}

func (s *Service) Start(ss *service.Service) error {
	if err := s.raftServer.Start(ss.ErrorChan()); err != nil {
		return fmt.Errorf("cannot start raft server: %w", err)
	}

	if err := s.apiServer.Init(); err != nil {
		return fmt.Errorf("cannot initialize api server: %w", err)
	}

	return nil
}

func (s *Service) Stop(ss *service.Service) {
	s.raftServer.Stop()
}

func (s *Service) Terminate(ss *service.Service) {
}

func (s *Service) selfId() raft.ServerId {
	idArg := s.Program.ArgumentValue("id")

	n, err := strconv.ParseInt(idArg, 10, 64)
	if err != nil {
		panic(fmt.Sprintf("invalid server id %q: %v", idArg, err))
	}

	return raft.ServerId(n)
}

// applyLogEntry is the ApplyFunc handed to the raft core: it runs on the
// raft goroutine once an entry commits, in log order, before lastApplied
// advances past it.
func (s *Service) applyLogEntry(index raft.LogIndex, entry raft.LogEntry) error {
	op, err := DecodeOp(entry.Command)
	if err != nil {
		return fmt.Errorf("cannot decode op at index %d: %w", index, err)
	}

	s.store.Apply(op)

	return nil
}
