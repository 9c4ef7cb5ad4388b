package server

import (
	"time"

	"prompt-duel/internal/config"
	"prompt-duel/internal/logging"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Server struct {
	db      *gorm.DB
	cfg     config.Config
	scorer  Scorer
	ws      *wsHub
	limiter *rateLimiter
	log     *zap.SugaredLogger
}

func New(conn *gorm.DB, cfg config.Config, scorer Scorer) *Server {
	return &Server{
		db:      conn,
		cfg:     cfg,
		scorer:  scorer,
		ws:      newWSHub(),
		limiter: newRateLimiter(),
		log:     logging.Default(),
	}
}

// DefaultScorer builds the production scoring gateway: OpenAI embeddings
// behind an LRU memo.
func DefaultScorer(cfg config.Config) (Scorer, error) {
	return newCachedScorer(
		newOpenAIScorer(cfg.OpenAIAPIKey, cfg.OpenAIEmbeddingModel, cfg.ScoreTimeout()),
		cfg.ScoreCacheSize,
	)
}

func (s *Server) Router() *gin.Engine {
	registerValidators()
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(s.requestLogger())

	api := router.Group("/api")
	api.POST("/auth/guest", s.handleGuestLogin)

	protected := api.Group("/")
	protected.Use(s.requireAuth())
	{
		protected.GET("/rounds/current", s.handleCurrentRound)
		protected.POST("/rounds/current/guesses", s.handleRoundGuess)
		protected.GET("/rounds/current/results", s.handleRoundResults)

		protected.POST("/challenges", s.handleCreateChallenge)
		protected.GET("/challenges/incoming", s.handleListIncoming)
		protected.GET("/challenges/sent", s.handleListSent)
		protected.GET("/challenges/:id", s.handleChallengeDetail)
		protected.POST("/challenges/:id/guesses", s.handleChallengeGuess)
		protected.POST("/challenges/:id/decline", s.handleChallengeDecline)

		protected.POST("/group-challenges", s.handleCreateGroup)
		protected.GET("/group-challenges", s.handleListGroups)
		protected.GET("/group-challenges/:id", s.handleGroupDetail)
		protected.POST("/group-challenges/:id/join", s.handleGroupJoin)
		protected.POST("/group-challenges/:id/decline", s.handleGroupDecline)
		protected.POST("/group-challenges/:id/guesses", s.handleGroupGuess)
	}

	admin := api.Group("/admin")
	admin.Use(s.requireAdmin())
	{
		admin.POST("/rounds", s.handleRotateRound)
		admin.POST("/challenges/:id/activate", s.handleActivateChallenge)
		admin.POST("/group-challenges/:id/activate", s.handleActivateGroup)
	}

	router.GET("/ws/instances/:id", s.handleInstanceWebsocket)
	return router
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Request = c.Request.WithContext(logging.WithLogger(c.Request.Context(), s.log))
		c.Next()
		s.log.Infow("request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
		)
	}
}
