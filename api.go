package subfu

import (
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/ccbrown/subfu/graphql/transport"
)

// Server serves GraphQL operations over WebSockets, Server-Sent Events and plain HTTP.
type Server struct {
	config  *Config
	logger  logrus.FieldLogger
	execute func(*Request) *Result

	graphqlWSConnectionsMutex sync.Mutex
	graphqlWSConnections      map[*transport.Connection]struct{}
}

func NewServer(cfg *Config) (*Server, error) {
	if cfg.Executor == nil {
		return nil, errors.New("an executor is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	execute := cfg.Executor.Execute
	if cfg.PersistedQueryStorage != nil {
		execute = PersistedQueryExtension(cfg.PersistedQueryStorage, execute)
	}
	return &Server{
		config:               cfg,
		logger:               logger,
		execute:              execute,
		graphqlWSConnections: map[*transport.Connection]struct{}{},
	}, nil
}

func (s *Server) executeRequest(r *Request) *Result {
	result := s.execute(r)
	if result == nil || (result.Response == nil && result.Stream == nil) {
		return ErrorResult(errors.New("the executor returned no result"))
	}
	return result
}

// ServeHTTP serves WebSocket upgrades with ServeGraphQLWS, requests that accept
// "text/event-stream" with ServeSSE and everything else with ServeGraphQL.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch {
	case websocket.IsWebSocketUpgrade(r):
		s.ServeGraphQLWS(w, r)
	case strings.Contains(r.Header.Get("Accept"), "text/event-stream"):
		s.ServeSSE(w, r)
	default:
		s.ServeGraphQL(w, r)
	}
}

// ServeGraphQL executes queries and mutations sent as GET or POST requests. Subscriptions are
// rejected.
func (s *Server) ServeGraphQL(w http.ResponseWriter, r *http.Request) {
	req, code, err := NewRequestFromHTTP(r)
	if err != nil {
		http.Error(w, err.Error(), code)
		return
	}

	result := s.executeRequest(req)
	if result.Stream != nil {
		result.Stream.Close()
		http.Error(w, "subscriptions are not supported using this protocol", http.StatusBadRequest)
		return
	}

	body, err := jsoniter.Marshal(result.Response)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Length", strconv.Itoa(len(body)))
	w.Write(body)
}

// CloseHijackedConnections closes connections hijacked by ServeGraphQLWS.
func (s *Server) CloseHijackedConnections() {
	s.graphqlWSConnectionsMutex.Lock()
	connections := make([]*transport.Connection, 0, len(s.graphqlWSConnections))
	for connection := range s.graphqlWSConnections {
		connections = append(connections, connection)
	}
	s.graphqlWSConnections = map[*transport.Connection]struct{}{}
	s.graphqlWSConnectionsMutex.Unlock()

	for _, connection := range connections {
		if err := connection.CloseWithCode(transport.NormalClosure, "server shutting down"); err != nil {
			connection.Logger.Error(errors.Wrap(err, "error closing connection"))
		}
	}
}
