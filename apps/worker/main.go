package main

import (
	"github.com/birdhaus/roost/internal/chain"
	"github.com/birdhaus/roost/internal/clock"
	"github.com/birdhaus/roost/internal/config"
	"github.com/birdhaus/roost/internal/invoice"
	"github.com/birdhaus/roost/internal/notification"
	"github.com/birdhaus/roost/internal/observability"
	"github.com/birdhaus/roost/internal/payment"
	"github.com/birdhaus/roost/internal/reconciliation"
	"github.com/birdhaus/roost/internal/secrets"
	"github.com/birdhaus/roost/internal/treasury"
	"github.com/birdhaus/roost/internal/wallet/hd"
	"github.com/birdhaus/roost/internal/worker"
	"github.com/birdhaus/roost/pkg/db"
	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
)

// Worker-only deployment: confirmation, timeout, sweep, reconciliation.
// Migrations are owned by the API process.
func main() {
	app := fx.New(
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		secrets.Module,

		chain.Module,
		hd.Module,
		invoice.Module,
		notification.Module,
		payment.Module,
		treasury.Module,
		reconciliation.Module,

		worker.Module,
	)
	app.Run()
}

func RegisterSnowflake() *snowflake.Node {
	node, err := snowflake.NewNode(1)
	if err != nil {
		panic(err)
	}
	return node
}
