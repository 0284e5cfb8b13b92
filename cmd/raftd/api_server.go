package main

import (
	"github.com/galdor/go-service/pkg/shttp"

	"github.com/raftlabs/raftcore/pkg/raft"
)

type APIServer struct {
	Service *Service
}

func NewAPIServer(s *Service) (*APIServer, error) {
	api := APIServer{
		Service: s,
	}

	return &api, nil
}

func (api *APIServer) Init() error {
	api.initRoutes()
	return nil
}

func (api *APIServer) initRoutes() {
	api.Route("/store", "GET", api.hStoreGET)
	api.Route("/store/:key", "GET", api.hStoreKeyGET)
	api.Route("/store/:key", "PUT", api.hStoreKeyPUT)
	api.Route("/store/:key", "DELETE", api.hStoreKeyDELETE)
}

func (api *APIServer) Route(pathPattern, method string, routeFunc shttp.RouteFunc) {
	s := api.Service.Service.HTTPServer("api")
	s.Route(pathPattern, method, routeFunc)
}

func (api *APIServer) hStoreGET(h *shttp.Handler) {
	h.ReplyJSON(200, api.Service.store.Keys())
}

func (api *APIServer) hStoreKeyGET(h *shttp.Handler) {
	key := h.PathVariable("key")

	value, found := api.Service.store.Get(key)
	if !found {
		h.ReplyError(404, "unknown_key", "key %q does not exist", key)
		return
	}

	h.ReplyJSON(200, value)
}

func (api *APIServer) hStoreKeyPUT(h *shttp.Handler) {
	key := h.PathVariable("key")

	var value string
	if err := h.JSONRequestData(&value); err != nil {
		h.ReplyError(400, "invalid_body", "%v", err)
		return
	}

	if err := api.submit(h, Op{Name: "put", Key: key, Value: value}); err != nil {
		return
	}

	h.ReplyEmpty(204)
}

func (api *APIServer) hStoreKeyDELETE(h *shttp.Handler) {
	key := h.PathVariable("key")

	if err := api.submit(h, Op{Name: "delete", Key: key}); err != nil {
		return
	}

	h.ReplyEmpty(204)
}

// submit encodes op and submits it to the raft core. It returns once the
// leader has appended the entry to its log; it does not wait for the entry
// to commit. It writes an error reply itself (and returns a non-nil error as
// a sentinel) so callers can bail out with a single early return.
func (api *APIServer) submit(h *shttp.Handler, op Op) error {
	data, err := EncodeOp(op)
	if err != nil {
		h.ReplyError(500, "encode_error", "%v", err)
		return err
	}

	_, _, err = api.Service.raftServer.Submit(data)
	if err != nil {
		if notLeader, ok := err.(*raft.ErrNotLeader); ok {
			h.ReplyError(409, "not_leader", "%v", notLeader)
			return err
		}

		h.ReplyError(500, "submit_error", "%v", err)
		return err
	}

	return nil
}
