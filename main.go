package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"videoQA/config"
	"videoQA/core"
	"videoQA/initialization"
	"videoQA/server"
)

const defaultQuestion = "Summarize the video"

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Printf("Warning: failed to load .env: %v", err)
	}

	cmd := "serve"
	args := os.Args[1:]
	if len(args) > 0 && args[0] != "" && args[0][0] != '-' {
		cmd, args = args[0], args[1:]
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var err error
	switch cmd {
	case "serve":
		err = runServe(ctx, args)
	case "ask":
		err = runAsk(ctx, args)
	case "index":
		err = runIndex(ctx, args)
	default:
		log.Printf("未知参数: %s", cmd)
		usage()
		os.Exit(2)
	}
	if err != nil {
		log.Fatalf("%s: %v", cmd, err)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "可用参数:")
	fmt.Fprintln(os.Stderr, "  serve [--config FILE]                                  启动 HTTP 服务")
	fmt.Fprintln(os.Stderr, "  ask --path VIDEO [--question Q] [--stream] [--config FILE]  回答一个问题")
	fmt.Fprintln(os.Stderr, "  index --path VIDEO [--config FILE]                     只建立索引")
}

// setup loads and validates the config, then wires the pipeline.
func setup(ctx context.Context, configPath string) (*initialization.SystemInitializer, *initialization.InitializationResult, error) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		config.PrintConfigInstructions()
		return nil, nil, err
	}
	if err := cfg.Validate(); err != nil {
		config.PrintConfigInstructions()
		return nil, nil, err
	}
	si := initialization.NewSystemInitializer(cfg)
	res, err := si.InitializeSystem(ctx)
	if err != nil {
		return nil, nil, err
	}
	return si, res, nil
}

func runServe(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", "", "config file (json or yaml)")
	_ = fs.Parse(args)

	si, res, err := setup(ctx, *configPath)
	if err != nil {
		return err
	}
	defer si.Shutdown()

	mux := http.NewServeMux()
	server.NewQAHandlers(res.QA).Register(mux)
	srv := &http.Server{
		Addr:              ":" + res.Config.Port,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("Server listening on %s", srv.Addr)
		errCh <- srv.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Println("Shutting down services...")
	sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		return err
	}
	log.Println("All services shut down gracefully")
	return nil
}

func runAsk(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("ask", flag.ExitOnError)
	configPath := fs.String("config", "", "config file (json or yaml)")
	path := fs.String("path", "", "video file")
	question := fs.String("question", defaultQuestion, "question about the video")
	stream := fs.Bool("stream", false, "print the answer as it is generated")
	_ = fs.Parse(args)

	si, res, err := setup(ctx, *configPath)
	if err != nil {
		return err
	}
	defer si.Shutdown()

	status, err := res.QA.Load(ctx, *path)
	if err != nil {
		return err
	}
	log.Printf("Video loaded. %s", status)

	if !*stream {
		answer, err := res.QA.Ask(ctx, *question)
		if err != nil {
			return err
		}
		fmt.Println(answer)
		return nil
	}
	s, err := res.QA.AskStream(ctx, *question)
	if err != nil {
		return err
	}
	defer s.Close()
	return printStream(os.Stdout, s)
}

func printStream(w io.Writer, s *core.AnswerStream) error {
	for {
		piece, err := s.Recv()
		if err == io.EOF {
			fmt.Fprintln(w)
			return nil
		}
		if err != nil {
			fmt.Fprintln(w)
			return err
		}
		fmt.Fprint(w, piece)
	}
}

func runIndex(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("index", flag.ExitOnError)
	configPath := fs.String("config", "", "config file (json or yaml)")
	path := fs.String("path", "", "video file")
	_ = fs.Parse(args)

	si, res, err := setup(ctx, *configPath)
	if err != nil {
		return err
	}
	defer si.Shutdown()

	status, err := res.QA.Load(ctx, *path)
	if err != nil {
		return err
	}
	source := "indexed"
	if status.FromStore {
		source = "already indexed"
	}
	fmt.Printf("%s (%s): %s\n", status.Key, source, status)
	return nil
}
