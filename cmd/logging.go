package cmd

import (
	"github.com/achilleasa/go-lightpath/log"
	"github.com/urfave/cli"
)

var logger = log.New("lightpath")

func setupLogging(ctx *cli.Context) {
	if ctx.GlobalBool("v") {
		log.SetLevel(log.Info)
	}

	if ctx.GlobalBool("vv") {
		log.SetLevel(log.Debug)
	}

	if name := ctx.GlobalString("log-level"); name != "" {
		level, err := log.ParseLevel(name)
		if err != nil {
			logger.Warningf("%s; keeping level %s", err, log.GetLevel())
			return
		}
		log.SetLevel(level)
	}
}
