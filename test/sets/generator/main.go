package main

import (
	"github.com/outofforest/parley/proxy/proxygen"
	"github.com/outofforest/parley/test/sets"
)

//go:generate go run .
func main() {
	proxygen.Generate("../sets.proxy.go",
		proxygen.Commands((*sets.Calculator)(nil)),
		proxygen.Notifications((*sets.Ticker)(nil)),
	)
}
