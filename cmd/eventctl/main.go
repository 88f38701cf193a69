// eventctl dispatches category commands and queries as the agent named by a
// bearer token.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/example/eventcore/internal/app"
	"github.com/example/eventcore/internal/auth"
	"github.com/example/eventcore/internal/command"
	"github.com/example/eventcore/internal/domain/aggregate"
	"github.com/example/eventcore/internal/domain/category"
	"github.com/example/eventcore/internal/infrastructure/store"
	"github.com/example/eventcore/internal/permission"
	"github.com/example/eventcore/internal/platform/config"
	"github.com/example/eventcore/internal/platform/logger"
	"github.com/example/eventcore/internal/projection"
	"github.com/example/eventcore/internal/query"
	"github.com/example/eventcore/internal/readmodel"
)

const usage = `usage: eventctl <command> [flags]

commands:
  token     issue a bearer token
  create    create a category
  update    update a category
  delete    delete a category
  collapse  fold a category's history into one record
  share     grant actions on a category
  unshare   revoke actions on a category
  get       show a category
  list      search categories
`

var errUsage = errors.New("usage")

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	ctx, cancel := app.SignalContext()
	defer cancel()

	cfg, log := app.Bootstrap("eventctl")
	defer log.Sync()

	if err := run(ctx, cfg, log, os.Args[1], os.Args[2:]); err != nil {
		if errors.Is(err, errUsage) {
			fmt.Fprint(os.Stderr, usage)
			os.Exit(2)
		}
		log.Fatal("command failed", "command", os.Args[1], "error", err)
	}
}

func run(ctx context.Context, cfg config.Config, log *logger.Logger, name string, args []string) error {
	if cfg.JWTSecret == "" {
		return errors.New("JWT_SECRET is required")
	}
	jwtSvc := auth.NewJWTService(cfg.JWTSecret, cfg.JWTIssuer, cfg.JWTExpiry)

	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	token := fs.String("token", os.Getenv("EVENTCTL_TOKEN"), "bearer token of the acting agent")

	if name == "token" {
		return issueToken(jwtSvc, fs, args)
	}

	var dispatch func(ctx context.Context, agent aggregate.Agent, cmds *command.Handler, queries *query.Handler) (any, error)
	switch name {
	case "create":
		cmd := command.CreateCategory{}
		categoryFlags(fs, &cmd.Name, &cmd.Slug, &cmd.Description, &cmd.ParentID, &cmd.SortOrder)
		dispatch = func(ctx context.Context, agent aggregate.Agent, cmds *command.Handler, _ *query.Handler) (any, error) {
			return cmds.CreateCategory(ctx, agent, cmd)
		}
	case "update":
		cmd := command.UpdateCategory{}
		fs.StringVar(&cmd.CategoryID, "id", "", "category id")
		fs.IntVar(&cmd.ExpectedVersion, "version", 0, "expected version")
		categoryFlags(fs, &cmd.Name, &cmd.Slug, &cmd.Description, &cmd.ParentID, &cmd.SortOrder)
		dispatch = func(ctx context.Context, agent aggregate.Agent, cmds *command.Handler, _ *query.Handler) (any, error) {
			return cmds.UpdateCategory(ctx, agent, cmd)
		}
	case "delete":
		cmd := command.DeleteCategory{}
		fs.StringVar(&cmd.CategoryID, "id", "", "category id")
		fs.IntVar(&cmd.ExpectedVersion, "version", 0, "expected version")
		dispatch = func(ctx context.Context, agent aggregate.Agent, cmds *command.Handler, _ *query.Handler) (any, error) {
			return cmds.DeleteCategory(ctx, agent, cmd)
		}
	case "collapse":
		cmd := command.CollapseCategory{}
		fs.StringVar(&cmd.CategoryID, "id", "", "category id")
		dispatch = func(ctx context.Context, agent aggregate.Agent, cmds *command.Handler, _ *query.Handler) (any, error) {
			return cmds.CollapseCategory(ctx, agent, cmd)
		}
	case "share", "unshare":
		id := fs.String("id", "", "category id")
		holder := fs.String("holder", "", "user:<id> or group:<id>")
		actions := fs.String("actions", permission.ActionRead, "comma separated actions")
		dispatch = func(ctx context.Context, agent aggregate.Agent, cmds *command.Handler, _ *query.Handler) (any, error) {
			h, err := parseHolder(*holder)
			if err != nil {
				return nil, err
			}
			if name == "share" {
				return cmds.ShareCategory(ctx, agent, command.ShareCategory{CategoryID: *id, Holder: h, Actions: splitList(*actions)})
			}
			return cmds.UnshareCategory(ctx, agent, command.UnshareCategory{CategoryID: *id, Holder: h, Actions: splitList(*actions)})
		}
	case "get":
		id := fs.String("id", "", "category id")
		dispatch = func(ctx context.Context, agent aggregate.Agent, _ *command.Handler, queries *query.Handler) (any, error) {
			return queries.GetCategory(ctx, agent, *id)
		}
	case "list":
		q := query.ListCategories{}
		fs.StringVar(&q.ParentID, "parent", "", "parent category id")
		fs.StringVar(&q.NamePrefix, "prefix", "", "name prefix")
		fs.BoolVar(&q.ActiveOnly, "active", false, "only active categories")
		fs.StringVar(&q.SortBy, "sort", "name", "name or sort_order")
		fs.IntVar(&q.Offset, "offset", 0, "page offset")
		fs.IntVar(&q.Limit, "limit", 50, "page size")
		dispatch = func(ctx context.Context, agent aggregate.Agent, _ *command.Handler, queries *query.Handler) (any, error) {
			return queries.SearchCategories(ctx, agent, q)
		}
	default:
		return errUsage
	}

	if err := fs.Parse(args); err != nil {
		return err
	}
	claims, err := jwtSvc.ValidateToken(*token)
	if err != nil {
		return err
	}

	db, err := app.OpenPostgres(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer db.Close()
	eventLog, err := app.OpenEventLog(ctx, cfg, db, log)
	if err != nil {
		return err
	}

	perms := app.Permissions(db, log)
	cmds := command.NewHandler(aggregate.NewService[*category.Category](category.NewDefinition(), eventLog, log), perms, log)
	queries := query.NewHandler(readmodel.NewRepo[readmodel.CategoryReadModel](
		store.NewPostgresReadStore(db), projection.CategoryCollection, log), perms, log)

	out, err := dispatch(ctx, claims.Agent(), cmds, queries)
	if err != nil {
		return err
	}
	return printJSON(out)
}

func issueToken(jwtSvc *auth.JWTService, fs *flag.FlagSet, args []string) error {
	id := fs.String("id", "", "agent id")
	agentType := fs.String("type", string(aggregate.AgentUser), "user or system")
	groups := fs.String("groups", "", "comma separated permission groups")
	if err := fs.Parse(args); err != nil {
		return err
	}
	token, expiresAt, err := jwtSvc.GenerateToken(aggregate.Agent{ID: *id, Type: aggregate.AgentType(*agentType)}, splitList(*groups)...)
	if err != nil {
		return err
	}
	return printJSON(map[string]any{"token": token, "expires_at": expiresAt})
}

func categoryFlags(fs *flag.FlagSet, name, slug, description, parentID *string, sortOrder *int) {
	fs.StringVar(name, "name", "", "category name")
	fs.StringVar(slug, "slug", "", "slug, derived from the name when empty")
	fs.StringVar(description, "description", "", "description")
	fs.StringVar(parentID, "parent", "", "parent category id")
	fs.IntVar(sortOrder, "sort-order", 0, "position among siblings")
}

// parseHolder reads "user:<id>" or "group:<id>"
func parseHolder(s string) (permission.Holder, error) {
	kind, id, ok := strings.Cut(s, ":")
	if !ok || id == "" {
		return permission.Holder{}, fmt.Errorf("%w: holder %q", permission.ErrInvalidPermission, s)
	}
	switch permission.HolderType(kind) {
	case permission.HolderUser:
		return permission.User(id), nil
	case permission.HolderGroup:
		return permission.Group(id), nil
	default:
		return permission.Holder{}, fmt.Errorf("%w: holder type %q", permission.ErrInvalidPermission, kind)
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
