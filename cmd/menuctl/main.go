// menuctl runs one-off maintenance tasks against the order database or a
// running order service.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/jogardn/restaurant-orders/internal/accounts"
	"github.com/jogardn/restaurant-orders/internal/cache"
	"github.com/jogardn/restaurant-orders/internal/catalog"
	"github.com/jogardn/restaurant-orders/internal/config"
	"github.com/jogardn/restaurant-orders/internal/inventory"
	"github.com/jogardn/restaurant-orders/internal/store"
	"github.com/jogardn/restaurant-orders/pkg/client"
	"github.com/jogardn/restaurant-orders/pkg/models"
	"github.com/sirupsen/logrus"
)

const usage = `Usage:
  menuctl seed                 load the default menu (creates or updates by name)
  menuctl fix-visibility       list every product on the menu again
  menuctl create-staff -username U -email E -password P
  menuctl set-status -url URL -login L -password P -order ID -status S [-force]
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "seed":
		err = withStore(ctx, seed)
	case "fix-visibility":
		err = withStore(ctx, fixVisibility)
	case "create-staff":
		err = createStaff(ctx, os.Args[2:])
	case "set-status":
		err = setStatus(ctx, os.Args[2:])
	default:
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

type env struct {
	cfg    *config.Config
	store  store.Store
	logger *logrus.Logger
}

func withStore(ctx context.Context, fn func(context.Context, env) error) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := config.NewLogger(cfg.LogLevel)

	st, err := cfg.OpenStore(ctx, logger)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	return fn(ctx, env{cfg: cfg, store: st, logger: logger})
}

// catalogService invalidates the shared menu cache when Redis is configured.
func catalogService(ctx context.Context, e env) (*catalog.Service, func(), error) {
	adjuster := inventory.NewAdjuster(e.cfg.ZeroStockPolicy, e.logger)
	if e.cfg.RedisAddr == "" {
		return catalog.NewService(e.store, adjuster, cache.Nop{}, e.logger), func() {}, nil
	}
	rc, err := cache.Connect(ctx, e.cfg.RedisAddr)
	if err != nil {
		return nil, nil, fmt.Errorf("connect to redis: %w", err)
	}
	return catalog.NewService(e.store, adjuster, cache.NewRedis(rc), e.logger), func() { rc.Close() }, nil
}

func seed(ctx context.Context, e env) error {
	svc, done, err := catalogService(ctx, e)
	if err != nil {
		return err
	}
	defer done()

	result, err := svc.Seed(ctx, catalog.DefaultMenu)
	if err != nil {
		return err
	}
	fmt.Printf("Menu seeded: %d created, %d updated\n", result.Created, result.Updated)
	return nil
}

func fixVisibility(ctx context.Context, e env) error {
	svc, done, err := catalogService(ctx, e)
	if err != nil {
		return err
	}
	defer done()

	n, err := svc.FixVisibility(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("%d products made visible\n", n)
	return nil
}

func createStaff(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("create-staff", flag.ExitOnError)
	username := fs.String("username", "", "staff username")
	email := fs.String("email", "", "staff email")
	password := fs.String("password", "", "staff password")
	fs.Parse(args)

	return withStore(ctx, func(ctx context.Context, e env) error {
		svc := accounts.NewService(e.store, accounts.Config{JWTSecret: []byte(e.cfg.JWTSecret)}, nil, e.logger)
		user, err := svc.CreateStaff(ctx, accounts.SignupRequest{
			Username:        *username,
			Email:           *email,
			Password:        *password,
			ConfirmPassword: *password,
		})
		if err != nil {
			return err
		}
		fmt.Printf("Staff account %q created (id %d)\n", user.Username, user.ID)
		return nil
	})
}

func setStatus(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("set-status", flag.ExitOnError)
	baseURL := fs.String("url", "http://localhost:8080", "order service base URL")
	login := fs.String("login", "", "staff username or email")
	password := fs.String("password", "", "staff password")
	orderID := fs.String("order", "", "order id")
	status := fs.String("status", "", "target status")
	force := fs.Bool("force", false, "allow a correction that moves the order backwards")
	fs.Parse(args)

	if *orderID == "" || *status == "" {
		return fmt.Errorf("-order and -status are required")
	}

	logger := config.NewLogger(logrus.WarnLevel)
	c := client.New(*baseURL, logger)
	if err := c.Signin(ctx, *login, *password); err != nil {
		return fmt.Errorf("sign in: %w", err)
	}

	order, err := c.UpdateStatus(ctx, *orderID, models.OrderStatus(*status), *force)
	if err != nil {
		return err
	}
	fmt.Printf("Order %s is now %s\n", order.ID, order.Status)
	return nil
}
