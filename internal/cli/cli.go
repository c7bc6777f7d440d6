package cli

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/ignatij/goapprove/internal/config"
	"github.com/ignatij/goapprove/internal/log"
	internal_storage "github.com/ignatij/goapprove/internal/storage"
	"github.com/ignatij/goapprove/pkg/models"
	"github.com/ignatij/goapprove/pkg/service"
	"github.com/ignatij/goapprove/pkg/storage"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
)

// SetupCLI registers every subcommand on rootCmd.
func SetupCLI(rootCmd *cobra.Command) {
	rootCmd.PersistentFlags().String("db", "", "Database connection string (defaults to DATABASE_URL or DB_* env vars)")

	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Submit a document for approval",
		Run: func(cmd *cobra.Command, args []string) {
			cfg := loadConfig()
			store := initStore(cmd, cfg)
			defer store.Close()
			sink, closeSink := liveSink(cfg)
			defer closeSink()
			svc := service.NewWorkflowService(store, sink, log.GetLogger())

			flags := cmd.Flags()
			requesterID, _ := flags.GetInt64("as")
			templateID, _ := flags.GetInt64("template")
			title, _ := flags.GetString("title")
			content, _ := flags.GetString("content")
			amount, _ := flags.GetString("amount")
			currency, _ := flags.GetString("currency")
			priority, _ := flags.GetString("priority")
			payload, _ := flags.GetString("payload")

			req := service.CreateRequest{
				TemplateID: templateID,
				Title:      title,
				Content:    content,
				Currency:   currency,
				Priority:   models.Priority(priority),
				Requester:  lookupPrincipal(store, requesterID),
			}
			if amount != "" {
				d, err := decimal.NewFromString(amount)
				if err != nil {
					fail("Invalid amount %q: %v", amount, err)
				}
				req.Amount = decimal.NewNullDecimal(d)
			}
			if payload != "" {
				req.Payload = models.RawJSON(payload)
			}
			createDocument(svc, req)
		},
	}
	createCmd.Flags().Int64("as", 0, "Requester principal id")
	createCmd.Flags().Int64("template", 0, "Chain template id")
	createCmd.Flags().String("title", "", "Document title")
	createCmd.Flags().String("content", "", "Document body")
	createCmd.Flags().String("amount", "", "Optional amount, e.g. 1250.50")
	createCmd.Flags().String("currency", "", "ISO currency code (default USD)")
	createCmd.Flags().String("priority", "", "LOW, NORMAL, HIGH or URGENT (default NORMAL)")
	createCmd.Flags().String("payload", "", "Classification-specific JSON object")
	_ = createCmd.MarkFlagRequired("as")
	_ = createCmd.MarkFlagRequired("template")
	_ = createCmd.MarkFlagRequired("title")

	processCmd := &cobra.Command{
		Use:   "process [document-id]",
		Short: "Approve or reject the active step of a document",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			documentID := parseID(args[0])
			cfg := loadConfig()
			store := initStore(cmd, cfg)
			defer store.Close()
			sink, closeSink := liveSink(cfg)
			defer closeSink()
			svc := service.NewWorkflowService(store, sink, log.ForDocument(documentID))

			actorID, _ := cmd.Flags().GetInt64("as")
			decision, _ := cmd.Flags().GetString("decision")
			comment, _ := cmd.Flags().GetString("comment")
			processStep(svc, service.ProcessRequest{
				DocumentID: documentID,
				Actor:      lookupPrincipal(store, actorID),
				Decision:   models.Decision(decision),
				Comment:    comment,
			})
		},
	}
	processCmd.Flags().Int64("as", 0, "Acting principal id")
	processCmd.Flags().String("decision", "", "APPROVE or REJECT")
	processCmd.Flags().String("comment", "", "Comment, required when rejecting")
	_ = processCmd.MarkFlagRequired("as")
	_ = processCmd.MarkFlagRequired("decision")

	stepsCmd := &cobra.Command{
		Use:   "steps [document-id]",
		Short: "List the approval steps of a document",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			documentID := parseID(args[0])
			cfg := loadConfig()
			store := initStore(cmd, cfg)
			defer store.Close()
			svc := service.NewWorkflowService(store, nil, log.GetLogger())
			listSteps(svc, documentID)
		},
	}

	principalCmd := &cobra.Command{Use: "principal", Short: "Manage principals known to the approver resolver"}
	principalAddCmd := &cobra.Command{
		Use:   "add",
		Short: "Register a principal",
		Run: func(cmd *cobra.Command, args []string) {
			cfg := loadConfig()
			store := initStore(cmd, cfg)
			defer store.Close()
			svc := service.NewWorkflowService(store, nil, log.GetLogger())

			id, _ := cmd.Flags().GetInt64("id")
			name, _ := cmd.Flags().GetString("name")
			rank, _ := cmd.Flags().GetInt("rank")
			inactive, _ := cmd.Flags().GetBool("inactive")
			p := models.Principal{ID: id, DisplayName: name, RankLevel: rank, Status: models.ActivePrincipalStatus}
			if inactive {
				p.Status = models.InactivePrincipalStatus
			}
			savedID, err := svc.RegisterPrincipal(context.Background(), p)
			if err != nil {
				fail("Failed to register principal: %v", err)
			}
			fmt.Fprintf(os.Stdout, "Registered principal '%s' with ID %d (rank %d)\n", name, savedID, rank)
		},
	}
	principalAddCmd.Flags().Int64("id", 0, "Identity id issued by the identity provider (optional)")
	principalAddCmd.Flags().String("name", "", "Display name")
	principalAddCmd.Flags().Int("rank", 1, "Rank level")
	principalAddCmd.Flags().Bool("inactive", false, "Register as inactive")
	_ = principalAddCmd.MarkFlagRequired("name")
	principalCmd.AddCommand(principalAddCmd)

	templatesCmd := &cobra.Command{Use: "templates", Short: "Manage chain templates"}
	templatesSyncCmd := &cobra.Command{
		Use:   "sync",
		Short: "Upsert chain templates from a YAML file",
		Run: func(cmd *cobra.Command, args []string) {
			cfg := loadConfig()
			store := initStore(cmd, cfg)
			defer store.Close()
			svc := service.NewWorkflowService(store, nil, log.GetLogger())

			file, _ := cmd.Flags().GetString("file")
			if file == "" {
				file = cfg.TemplatesFile
			}
			syncTemplates(svc, file)
		},
	}
	templatesSyncCmd.Flags().String("file", "", "Template file (defaults to TEMPLATES_FILE)")
	templatesCmd.AddCommand(templatesSyncCmd)

	notificationsCmd := &cobra.Command{Use: "notifications", Short: "Notification maintenance"}
	redeliverCmd := &cobra.Command{
		Use:   "redeliver",
		Short: "Push notifications that never reached the live transport",
		Run: func(cmd *cobra.Command, args []string) {
			cfg := loadConfig()
			if cfg.RedisAddr == "" {
				fail("REDIS_ADDR is required to redeliver across instances")
			}
			store := initStore(cmd, cfg)
			defer store.Close()
			client := newRedisClient(cfg)
			defer client.Close()
			svc := service.NewWorkflowService(store, newRedisSink(cfg, client), log.GetLogger())

			limit, _ := cmd.Flags().GetInt("limit")
			delivered, err := svc.Notifications().Redeliver(context.Background(), limit)
			if err != nil {
				log.GetLogger().Warnf("Redelivery incomplete: %v", err)
			}
			fmt.Fprintf(os.Stdout, "Redelivered %d notifications\n", delivered)
		},
	}
	redeliverCmd.Flags().Int("limit", 500, "Maximum notifications to push")
	notificationsCmd.AddCommand(redeliverCmd)

	rootCmd.AddCommand(newServeCmd(), createCmd, processCmd, stepsCmd, principalCmd, templatesCmd, notificationsCmd, newTokenCmd())
}

func createDocument(svc *service.WorkflowService, req service.CreateRequest) {
	res, err := svc.CreateDocument(context.Background(), req)
	if err != nil {
		fail("Failed to create document: %v", err)
	}
	fmt.Fprintf(os.Stdout, "Created document '%s' with ID %d (%d steps)\n", res.Document.Code, res.Document.ID, res.Document.TotalPositions)
	printSteps(res.Steps)
	warnUndelivered(res.NotificationWarning)
}

func processStep(svc *service.WorkflowService, req service.ProcessRequest) {
	res, err := svc.ProcessStep(context.Background(), req)
	if err != nil {
		fail("Failed to process document %d: %v", req.DocumentID, err)
	}
	fmt.Fprintf(os.Stdout, "Document %d is %s at position %d (completed: %t)\n",
		req.DocumentID, res.Status, res.CurrentPosition, res.IsCompleted)
	warnUndelivered(res.NotificationWarning)
}

func warnUndelivered(err error) {
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: %v (run `notifications redeliver` to retry)\n", err)
	}
}

// liveSink connects one-shot commands to Redis when REDIS_ADDR is set. Without it the
// returned sink is nil and notifications stay pending for `notifications redeliver`.
func liveSink(cfg config.Config) (service.NotificationSink, func()) {
	if cfg.RedisAddr == "" {
		return nil, func() {}
	}
	client := newRedisClient(cfg)
	return newRedisSink(cfg, client), func() { _ = client.Close() }
}

func listSteps(svc *service.WorkflowService, documentID int64) {
	steps, err := svc.ListSteps(context.Background(), documentID)
	if err != nil {
		fail("Failed to list steps: %v", err)
	}
	printSteps(steps)
}

func printSteps(steps []models.Step) {
	for _, s := range steps {
		approver := "unassigned"
		if s.ApproverID != nil {
			approver = strconv.FormatInt(*s.ApproverID, 10)
		}
		state := "waiting"
		switch {
		case s.IsActive:
			state = "ACTIVE"
		case s.Decision != nil:
			state = fmt.Sprintf("%s at %s", *s.Decision, s.DecidedAt.Format(time.RFC3339))
		}
		fmt.Fprintf(os.Stdout, "- Step %d: approver %s, %s\n", s.Position, approver, state)
	}
}

func syncTemplates(svc *service.WorkflowService, file string) {
	templates, err := config.LoadTemplates(file)
	if err != nil {
		fail("Failed to load templates from %s: %v", file, err)
	}
	ids, err := svc.SyncTemplates(context.Background(), templates)
	if err != nil {
		fail("Failed to sync templates: %v", err)
	}
	for i, t := range templates {
		fmt.Fprintf(os.Stdout, "- %s (ID %d): levels %v, active %t\n", t.Code, ids[i], []int64(t.Levels), t.IsActive)
	}
}

func lookupPrincipal(store storage.Store, id int64) models.Principal {
	p, err := store.GetPrincipal(context.Background(), id)
	if err != nil {
		fail("Unknown principal %d: %v", id, err)
	}
	return p
}

func parseID(arg string) int64 {
	id, err := strconv.ParseInt(arg, 10, 64)
	if err != nil || id <= 0 {
		fail("Invalid id %q", arg)
	}
	return id
}

func loadConfig() config.Config {
	cfg, err := config.Load()
	if err != nil {
		fail("Invalid configuration: %v", err)
	}
	return cfg
}

func initStore(cmd *cobra.Command, cfg config.Config) *internal_storage.PostgresStore {
	dbConnStr, err := cmd.Flags().GetString("db")
	if err != nil {
		fail("Error retrieving db flag: %v", err)
	}
	if dbConnStr == "" {
		dbConnStr = cfg.DatabaseURL
	}
	if dbConnStr == "" {
		fail("--db flag, DATABASE_URL or DB_* env vars required")
	}
	store, err := internal_storage.InitStore(dbConnStr, cfg.MaxOpenConns)
	if err != nil {
		fail("Failed to initialize store: %v", err)
	}
	return store
}

func fail(format string, args ...interface{}) {
	log.GetLogger().Errorf(format, args...)
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}
