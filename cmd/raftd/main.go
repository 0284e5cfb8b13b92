package main

import (
	"github.com/galdor/go-service/pkg/service"
)

func main() {
	service.Run("raftd", "a replicated key-value store built on a Raft core", NewService())
}
