package handler

import (
	"famfin/support-service/internal/utils"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

type RouterConfig struct {
	JWTSecret   string
	JWTIssuer   string
	CORSOrigins []string
	Production  bool
}

func NewRouter(cfg RouterConfig, support *SupportHandler, streams *StreamHandler, health *HealthHandler, log *logrus.Logger) *gin.Engine {
	if cfg.Production {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(utils.RequestLogger(log))

	corsCfg := cors.DefaultConfig()
	if len(cfg.CORSOrigins) == 0 || (len(cfg.CORSOrigins) == 1 && cfg.CORSOrigins[0] == "*") {
		corsCfg.AllowAllOrigins = true
	} else {
		corsCfg.AllowOrigins = cfg.CORSOrigins
	}
	corsCfg.AddAllowHeaders("Authorization", "X-Request-ID")
	router.Use(cors.New(corsCfg))

	router.GET("/health", health.Check)

	api := router.Group("/api/support")
	api.Use(utils.AuthMiddleware(cfg.JWTSecret, cfg.JWTIssuer))
	support.Register(api)
	streams.Register(api)

	return router
}
