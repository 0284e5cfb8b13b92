package main

import (
	"net"
	"strconv"

	jsonvalidator "github.com/galdor/go-json-validator"
	"github.com/galdor/go-service/pkg/service"

	"github.com/raftlabs/raftcore/pkg/raft"
)

// ClusterCfg is the external cluster configuration: identical on every
// node at startup. Own identity is the servers entry whose id matches the
// "id" startup argument.
type ClusterCfg struct {
	Client  ClientCfg    `json:"client"`
	Servers []ServerSpec `json:"servers"`
}

type ClientCfg struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

type ServerSpec struct {
	Id   raft.ServerId `json:"id"`
	Host string        `json:"host"`
	Port int           `json:"port"`
}

func (cfg *ClusterCfg) ValidateJSON(v *jsonvalidator.Validator) {
	v.WithChild("client", func() {
		v.CheckStringNotEmpty("host", cfg.Client.Host)
	})

	v.WithChild("servers", func() {
		for _, server := range cfg.Servers {
			v.CheckStringNotEmpty("host", server.Host)
		}
	})
}

// ServerSet turns the external, host/port-oriented cluster configuration
// into the raft.ServerSet the core expects. Local and public address are
// the same here: this daemon does not sit behind a NAT or load balancer.
func (cfg *ClusterCfg) ServerSet() raft.ServerSet {
	set := make(raft.ServerSet, len(cfg.Servers))
	for _, server := range cfg.Servers {
		addr := raft.ServerAddress(joinHostPort(server.Host, server.Port))
		set[server.Id] = raft.ServerData{LocalAddress: addr, PublicAddress: addr}
	}
	return set
}

func (cfg *ClusterCfg) byId(id raft.ServerId) (ServerSpec, bool) {
	for _, server := range cfg.Servers {
		if server.Id == id {
			return server, true
		}
	}
	return ServerSpec{}, false
}

type ServiceCfg struct {
	Service service.ServiceCfg `json:"service"`
	Cluster ClusterCfg         `json:"cluster"`

	DataDirectory string `json:"dataDirectory"`
}

func (cfg *ServiceCfg) ValidateJSON(v *jsonvalidator.Validator) {
	v.CheckObject("service", &cfg.Service)
	v.CheckObject("cluster", &cfg.Cluster)
	v.CheckStringNotEmpty("dataDirectory", cfg.DataDirectory)
}

func joinHostPort(host string, port int) string {
	return net.JoinHostPort(host, strconv.Itoa(port))
}
