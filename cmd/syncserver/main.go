package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/brunokim/docsync/rebase"
	"github.com/brunokim/docsync/server"
	"github.com/brunokim/docsync/store"
	"github.com/brunokim/docsync/transport"
)

var (
	port          = flag.Int("port", 8009, "port to run server")
	debug         = flag.Bool("debug", false, "whether to dump debug information. Default debug file is log_{{datetime}}.jsonl")
	debugFilename = flag.String("debug_file", "", "file to dump debug information in JSONL format. Implies --debug")

	storeKind   = flag.String("store", "memory", "where histories are kept: memory, bolt or postgres")
	boltPath    = flag.String("bolt_path", "docsync.db", "database file for --store=bolt")
	databaseURL = flag.String("database_url", os.Getenv("DATABASE_URL"), "connection URL for --store=postgres")
	redisAddr   = flag.String("redis_addr", os.Getenv("REDIS_ADDR"), "Redis address to relay changes between replicas. Disabled if empty")
)

// -----

type debugMsgType int

const (
	writeDebug debugMsgType = iota
	syncDebug
)

type debugMessage struct {
	msgType debugMsgType
	event   rebase.Event
}

// debugLogger forwards protocol events to the debug file writer.
type debugLogger chan<- debugMessage

func (ch debugLogger) LogEvent(ev rebase.Event) {
	ch <- debugMessage{msgType: writeDebug, event: ev}
	ch <- debugMessage{msgType: syncDebug}
}

// -----

func main() {
	flag.Parse()
	if *debug || *debugFilename != "" {
		slog.SetLogLoggerLevel(slog.LevelDebug)
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	hist, err := openStore(ctx)
	if err != nil {
		log.Fatalf("Error opening %s store: %v", *storeKind, err)
	}
	defer hist.Close()
	log.Printf("Keeping histories in %s store", *storeKind)

	events := rebase.MultiLogger{rebase.NewSlogLogger(slog.Default())}
	if debugMsgs := runDebug(); debugMsgs != nil {
		events = append(events, debugLogger(debugMsgs))
	}
	opts := []server.Option{server.WithStore(hist), server.WithEventLogger(events)}
	if *redisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: *redisAddr})
		if _, err := rdb.Ping(ctx).Result(); err != nil {
			log.Fatalf("Could not connect to Redis: %v", err)
		}
		defer rdb.Close()
		log.Println("Connected to Redis successfully.")
		opts = append(opts, server.WithRelay(transport.NewRedisRelay(rdb, nil)))
	}
	srv := server.New(ctx, opts...)

	router := mux.NewRouter()
	router.Handle("/ws/{doc}", wsHTTPHandler{srv})
	router.Handle("/history/{doc}", historyHTTPHandler{srv}).Methods(http.MethodGet)
	router.Handle("/metrics", promhttp.Handler())

	addr := fmt.Sprintf(":%d", *port)
	httpServer := &http.Server{Addr: addr, Handler: router}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		httpServer.Shutdown(shutdownCtx)
	}()
	log.Printf("Serving in %s\n", addr)
	if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		log.Fatal(err)
	}
}

func openStore(ctx context.Context) (store.HistoryStore, error) {
	switch *storeKind {
	case "memory":
		return store.NewMemoryStore(), nil
	case "bolt":
		return store.OpenBoltStore(*boltPath)
	case "postgres":
		if *databaseURL == "" {
			return nil, errors.New("missing --database_url")
		}
		return store.NewPostgresStore(ctx, *databaseURL)
	}
	return nil, fmt.Errorf("unknown store %q", *storeKind)
}

// -----

type wsHTTPHandler struct {
	srv *server.Server
}

func (h wsHTTPHandler) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	docID := mux.Vars(req)["doc"]
	conn, err := transport.Accept(w, req, slog.Default())
	if err != nil {
		log.Printf("Error upgrading connection for %s: %v", docID, err)
		return
	}
	defer conn.Close()
	query := req.URL.Query()
	data := transport.AuthorData{Name: query.Get("name")}
	if err := h.srv.Serve(req.Context(), docID, conn, data, query.Get("token")); err != nil {
		log.Printf("%s: connection ended: %v", docID, err)
	}
}

type historyHTTPHandler struct {
	srv *server.Server
}

func (h historyHTTPHandler) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	docID := mux.Vars(req)["doc"]
	history, err := h.srv.History(req.Context(), docID)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		fmt.Fprintf(w, "loading history of %q: %v", docID, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(history); err != nil {
		log.Printf("Error writing history of %s: %v", docID, err)
	}
}

// -----

func runDebug() chan<- debugMessage {
	f := createDebug()
	if f == nil {
		return nil
	}
	ch := make(chan debugMessage, 10)
	go func() {
		events := rebase.NewJSONLogger(f)
		for msg := range ch {
			if f == nil {
				continue
			}
			switch msg.msgType {
			case writeDebug:
				events.LogEvent(msg.event)
				if err := events.Err(); err != nil {
					log.Printf("Error while writing to debug file: %v", err)
					f.Close()
					f = nil
				}
			case syncDebug:
				f.Sync()
			}
		}
		if f != nil {
			f.Close()
		}
	}()
	return ch
}

func createDebug() *os.File {
	if !*debug && *debugFilename == "" {
		return nil
	}
	if *debugFilename == "" {
		datetime := time.Now().Format("2006-01-02T15:04:05")
		*debugFilename = fmt.Sprintf("log_%s.jsonl", datetime)
	}
	debugFile, err := os.Create(*debugFilename)
	if err != nil {
		log.Printf("Error opening debug file: %v", err)
		return nil
	}
	log.Printf("Dumping debug information in %s", *debugFilename)
	return debugFile
}
