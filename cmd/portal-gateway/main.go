package main

import (
	"flag"
	"fmt"

	"github.com/joho/godotenv"
	"github.com/zeromicro/go-zero/core/conf"
	"github.com/zeromicro/go-zero/core/logx"
	"github.com/zeromicro/go-zero/rest"

	"github.com/customsportal/portal/internal/gateway/config"
	"github.com/customsportal/portal/internal/gateway/handler"
	"github.com/customsportal/portal/internal/gateway/middleware"
	"github.com/customsportal/portal/internal/gateway/svc"
)

var configFile = flag.String("f", "configs/portal-gateway.yaml", "the config file")

func main() {
	flag.Parse()

	// ${VAR} in the config file may come from a local .env
	if err := godotenv.Load(); err == nil {
		fmt.Println("Loaded environment from .env")
	}

	var c config.Config
	conf.MustLoad(*configFile, &c, conf.UseEnv())

	logx.MustSetup(logx.LogConf{
		ServiceName:         c.Log.ServiceName,
		Mode:                c.Log.Mode,
		Path:                c.Log.Path,
		Level:               c.Log.Level,
		Compress:            c.Log.Compress,
		KeepDays:            c.Log.KeepDays,
		StackCooldownMillis: c.Log.StackCooldownMillis,
	})

	ctx, err := svc.NewServiceContext(c, nil)
	logx.Must(err)
	defer ctx.Close()

	server := rest.MustNewServer(c.RestConf, rest.WithCors())
	defer server.Stop()

	server.Use(middleware.RequestIDMiddleware)
	server.Use(middleware.LoggerMiddleware(ctx.Logger))
	server.Use(middleware.TracingMiddleware(ctx.Tracer))
	server.Use(middleware.MetricsMiddleware(ctx.Metrics))
	if c.RateLimit.Enable {
		server.Use(middleware.RateLimitMiddleware(c.RateLimit.Rate, c.RateLimit.Burst, ctx.Metrics))
	}

	handler.RegisterHandlers(server, ctx)

	fmt.Printf("Starting portal gateway at %s:%d...\n", c.Host, c.Port)
	logx.Infof("Portal gateway %s started at %s:%d", ctx.ReplicaID, c.Host, c.Port)

	server.Start()
}
