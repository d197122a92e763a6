// Command lambda runs the intakes behind API Gateway (HTTP API, payload v2).
package main

import (
	"log/slog"
	"os"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/awslabs/aws-lambda-go-api-proxy/httpadapter"

	"miniapp-relay/app"
)

func main() {
	var lazy app.Lazy
	srv, err := lazy.Get()
	if err != nil {
		slog.Error("Failed to initialize", "error", err)
		os.Exit(1)
	}

	adapter := httpadapter.NewV2(srv.Router())
	lambda.Start(adapter.ProxyWithContext)
}
