package subcommands

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"SimpleLLM/internal/pipeline"
	"SimpleLLM/internal/runtime"
)

// RunHistory inspects and removes stored chats.
func RunHistory(ctx context.Context, pipe *pipeline.Pipeline, args []string) int {
	store := pipe.History
	if store == nil {
		fmt.Fprintln(os.Stderr, "chat history is not available")
		return 1
	}

	action := "list"
	if len(args) > 0 {
		action = args[0]
	}

	switch action {
	case "list", "ls":
		chats, err := store.Chats(ctx)
		if err != nil {
			printError("error", err)
			return 1
		}
		if len(chats) == 0 {
			fmt.Printf("%sNo chats recorded.%s\n", colorGray, colorReset)
			return 0
		}
		tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tTITLE\tMODEL\tUPDATED")
		for _, c := range chats {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", c.ID, truncate(c.Title, 40), c.Model, c.UpdatedAt.Local().Format(time.DateTime))
		}
		tw.Flush()
		return 0

	case "show":
		if len(args) != 2 {
			fmt.Fprintln(os.Stderr, "usage: simplellm history show <chat-id>")
			return 1
		}
		chat, err := store.Chat(ctx, args[1])
		if err != nil {
			printError("error", err)
			return 1
		}
		entries, err := store.Messages(ctx, chat.ID)
		if err != nil {
			printError("error", err)
			return 1
		}
		fmt.Printf("%s%s%s  %s(%s)%s\n\n", colorBold, chat.Title, colorReset, colorGray, chat.Model, colorReset)
		for _, e := range entries {
			color := colorCyan
			switch e.Role {
			case runtime.RoleUser:
				color = colorRed
			case runtime.RoleTool:
				color = colorYellow
			}
			fmt.Printf("%s%s%s %s%s%s\n%s\n\n", color, e.Role, colorReset, colorGray, e.CreatedAt.Local().Format(time.DateTime), colorReset, e.Content)
		}
		return 0

	case "rm", "delete":
		if len(args) != 2 {
			fmt.Fprintln(os.Stderr, "usage: simplellm history rm <chat-id>")
			return 1
		}
		if err := store.DeleteChat(ctx, args[1]); err != nil {
			printError("error", err)
			return 1
		}
		fmt.Printf("Deleted chat %s\n", args[1])
		return 0

	default:
		fmt.Fprintf(os.Stderr, "unknown history action %q\n", action)
		return 1
	}
}
