package api

import (
	"log"
	"net/http"
	"time"

	"github.com/ecruz-dev/clinic-server/service/appointment"
	"github.com/ecruz-dev/clinic-server/service/notification"
	"github.com/ecruz-dev/clinic-server/service/user"
	"github.com/ecruz-dev/clinic-server/service/ws"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/robfig/cron/v3"
	"gorm.io/gorm"
)

type APIServer struct {
	address string
	db      *gorm.DB
}

func NewApiServer(address string, db *gorm.DB) *APIServer {
	return &APIServer{
		address: address,
		db:      db,
	}
}

func (s *APIServer) Run() error {
	router := mux.NewRouter()
	subrouter := router.PathPrefix("/api/v1").Subrouter()

	hub := ws.NewHub()
	smsClient := notification.NewMoviderClient()
	pushSender := notification.NewExpoPushSender(s.db)
	dispatcher := notification.NewDispatcher(s.db, smsClient, hub, pushSender)

	userHandler := user.NewHandler(s.db)
	userHandler.RegisterRoutes(subrouter)

	appointmentHandler := appointment.NewHandler(s.db, dispatcher)
	appointmentHandler.RegisterRoutes(subrouter)

	notificationHandler := notification.NewHandler(s.db, dispatcher, smsClient)
	notificationHandler.RegisterRoutes(subrouter)

	wsHandler := ws.NewHandler(hub)
	wsHandler.RegisterRoutes(router)

	scheduler := s.startScheduler(dispatcher)
	defer scheduler.Stop()

	corsHandler := handlers.CORS(
		handlers.AllowedOrigins([]string{"*"}),
		handlers.AllowedMethods([]string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"}),
		handlers.AllowedHeaders([]string{"Content-Type", "Authorization"}),
	)

	log.Println("Server running at", s.address)
	return http.ListenAndServe(s.address, corsHandler(router))
}

// startScheduler runs the reminder sweep every minute and prunes old
// notification history weekly. SkipIfStillRunning keeps a slow sweep from
// piling up behind itself.
func (s *APIServer) startScheduler(dispatcher *notification.Dispatcher) *cron.Cron {
	scheduler := cron.New(cron.WithChain(
		cron.SkipIfStillRunning(cron.DefaultLogger),
	))

	scheduler.AddFunc("* * * * *", func() {
		if _, err := dispatcher.SendReminders(); err != nil {
			log.Printf("reminder sweep failed: %v", err)
		}
	})
	scheduler.AddFunc("0 1 * * 0", func() {
		if _, err := dispatcher.CleanupHistory(30 * 24 * time.Hour); err != nil {
			log.Printf("notification history cleanup failed: %v", err)
		}
	})

	scheduler.Start()
	log.Println("Background scheduler started")
	return scheduler
}
