// Package headhunter feeds the job corpus from the hh.ru vacancies API.
package headhunter

import (
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/spigell/matchflow/internal/logger"
)

const (
	apiURL    = "https://api.hh.ru"
	userAgent = "matchflow/corpus-sync"
	// Max value for search per page.
	perPage = "100"
	// The API refuses to return more than 2000 items for one query.
	maxPages = 20
)

type Client struct {
	token      string
	logger     *zap.Logger
	HTTPClient *http.Client
	UserAgent  string
	APIURL     string
}

// New builds a client. The token is optional: anonymous search is allowed.
func New(l *zap.Logger, token string) *Client {
	return &Client{
		token:  token,
		APIURL: apiURL,
		HTTPClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		logger:    logger.WithFields(l, zap.String("component", "corpus"), zap.String("source", Source)),
		UserAgent: userAgent,
	}
}
