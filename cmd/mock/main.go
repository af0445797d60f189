package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"token_console/internal/mockbackend"
	"token_console/internal/model"
)

func main() {
	addr := flag.String("addr", ":8055", "listen address")
	password := flag.String("password", "admin", "admin password accepted by the mock")
	step := flag.Duration("step", 300*time.Millisecond, "per-item delay of background jobs")
	seed := flag.Int("seed", 25, "number of demo token records")
	flag.Parse()

	mock := mockbackend.New(mockbackend.Options{Password: *password, StepDelay: *step})
	defer mock.Close()

	for i := 1; i <= *seed; i++ {
		rec := model.TokenRecord{
			Account: fmt.Sprintf("user%02d@example.com", i),
			Token:   fmt.Sprintf("mock_token_%02d", i),
			Enable:  1,
			Count:   i % 7,
		}
		// 每隔几条造一个缺字段或已禁用的账号，覆盖各种失败分支
		switch {
		case i%5 == 0:
			rec.Enable = 0
		case i%3 == 0:
			rec.AccessToken = ""
		default:
			rec.AccessToken = fmt.Sprintf("mock_access_%02d", i)
			rec.SilentCookies = `{"session":"mock"}`
		}
		mock.Seed(rec)
	}

	server := &http.Server{
		Addr:              *addr,
		Handler:           mock.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Printf("mock backend listening on %s (base path /api)", *addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = server.Shutdown(ctx)
}
