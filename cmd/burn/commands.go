package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"burnlink/internal/core"
)

func (a *app) flagSet(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(a.stderr)
	return fs
}

func (a *app) send(ctx context.Context, args []string) error {
	fs := a.flagSet("send")
	server := fs.String("server", a.serverURL(), "burnlink server URL")
	message := fs.String("m", "", "message text (default: read from stdin)")
	expires := fs.Duration("expires", 0, "lifetime such as 1h or 72h (default: server setting)")
	views := fs.Int("views", 1, "number of reads before the message burns")
	slug := fs.String("slug", "", "custom link slug instead of a random token")
	attempts := fs.Int("attempts", 0, "burn after this many fetches (0 means no limit)")
	geo := fs.Bool("geo", false, "only readable from the sender's country")
	autoBurn := fs.Bool("autoburn", false, "burn the message on a country mismatch")
	twoFA := fs.Bool("2fa", false, "require a TOTP code before reading")
	if err := fs.Parse(args); err != nil {
		return errUsage
	}

	var paths []core.ParsedPath
	if fs.NArg() > 0 {
		var err error
		if paths, err = core.ParseAttachmentArgs(fs.Args()); err != nil {
			return err
		}
	}

	body, err := a.messageBody(*message)
	if err != nil {
		return err
	}

	password, err := a.newPassword()
	if err != nil {
		return err
	}

	env, err := core.Encrypt(body, password)
	if err != nil {
		return err
	}

	req := core.CreateMessageRequest{
		WireEnvelope:         env.EncodeWire(),
		CustomSlug:           *slug,
		RequireGeoMatch:      *geo,
		AutoBurnOnSuspicious: *autoBurn,
		Require2FA:           *twoFA,
		ExpiresIn:            seconds(*expires),
	}
	if *views != 1 {
		req.MaxViews = views
	}
	if *attempts > 0 {
		req.MaxPasswordAttempts = attempts
	}

	client := core.NewClient(*server, nil)
	created, err := client.CreateMessage(ctx, req)
	if err != nil {
		return fmt.Errorf("failed to create message: %w", err)
	}

	if len(paths) > 0 {
		att, err := core.EncryptAttachment(paths, password, 0)
		if err != nil {
			return fmt.Errorf("failed to prepare attachment: %w", err)
		}

		opts := core.DefaultUploaderOptions()
		opts.Progress = func(done, total int) {
			fmt.Fprintf(a.stderr, "\ruploading %s: %d/%d chunks", att.FileName, done, total)
			if done == total {
				fmt.Fprintln(a.stderr)
			}
		}
		if _, err := core.NewUploader(client, opts).Upload(ctx, att, created.Token); err != nil {
			return fmt.Errorf("failed to upload %s: %w", att.FileName, err)
		}
		fmt.Fprintf(a.stderr, "attached %s (%d bytes)\n", att.FileName, att.PlainSize)
	}

	fmt.Fprintln(a.stdout, created.URL)
	fmt.Fprintf(a.stderr, "creator token: %s\n", created.CreatorToken)
	if created.ExpiresAt != nil {
		fmt.Fprintf(a.stderr, "expires: %s\n", created.ExpiresAt.Local().Format(time.RFC1123))
	}
	if created.TOTP != nil {
		fmt.Fprintf(a.stderr, "TOTP secret: %s\nTOTP URI: %s\n", created.TOTP.Secret, created.TOTP.URI)
	}
	return nil
}

func (a *app) read(ctx context.Context, args []string) error {
	fs := a.flagSet("read")
	server := fs.String("server", a.serverURL(), "server for bare tokens or slugs")
	outDir := fs.String("out", ".", "directory for attachments")
	code := fs.String("code", "", "TOTP code, if the message requires one")
	if err := fs.Parse(args); err != nil {
		return errUsage
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(a.stderr, "usage: burn read [flags] <link>")
		return errUsage
	}

	link, err := core.ParseMessageLink(fs.Arg(0), *server)
	if err != nil {
		return err
	}
	client := core.NewClient(link.Server, nil)

	msg, err := client.FetchMessage(ctx, link.ID)
	if err != nil {
		return describeFetchError(err)
	}

	if msg.TOTPRequired {
		if *code == "" {
			if *code, err = a.prompt("TOTP code: "); err != nil {
				return err
			}
		}
		if err := client.VerifyTOTP(ctx, link.ID, *code); err != nil {
			return fmt.Errorf("TOTP verification failed: %w", err)
		}
	}

	env, err := core.DecodeWire(msg.WireEnvelope)
	if err != nil {
		return err
	}
	password, err := a.password("Password: ")
	if err != nil {
		return err
	}
	plaintext, err := core.Decrypt(env, password)
	if err != nil {
		if msg.AttemptsRemaining != nil {
			return fmt.Errorf("wrong password, %d attempts left before the message burns", *msg.AttemptsRemaining)
		}
		return errors.New("wrong password")
	}

	fmt.Fprintln(a.stdout, string(plaintext))

	for _, fileID := range msg.MediaFiles {
		path, err := a.saveAttachment(ctx, client, fileID, password, *outDir)
		if err != nil {
			fmt.Fprintf(a.stderr, "attachment %s: %v\n", fileID, err)
			continue
		}
		fmt.Fprintf(a.stderr, "saved %s\n", path)
	}

	consumed, err := client.ConsumeMessage(ctx, link.ID)
	if err != nil {
		return fmt.Errorf("failed to burn message: %w", err)
	}
	switch {
	case consumed.Burned:
		fmt.Fprintln(a.stderr, "message burned")
	default:
		fmt.Fprintf(a.stderr, "%d views remaining\n", consumed.ViewsRemaining)
	}
	return nil
}

func (a *app) saveAttachment(ctx context.Context, client *core.Client, fileID, password, dir string) (string, error) {
	dl, err := client.DownloadFile(ctx, fileID)
	if err != nil {
		return "", err
	}
	data, err := core.Decrypt(dl.Envelope, password)
	if err != nil {
		return "", err
	}

	name := filepath.Base(dl.FileName)
	if name == "." || name == string(filepath.Separator) || name == "" {
		name = fileID + ".bin"
	}
	path := filepath.Join(dir, name)

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		return "", fmt.Errorf("failed to create %s: %w", path, err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return "", fmt.Errorf("failed to write %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		return "", err
	}

	if err := client.ConfirmDownload(ctx, fileID); err != nil {
		fmt.Fprintf(a.stderr, "warning: could not confirm download of %s: %v\n", fileID, err)
	}
	return path, nil
}

func (a *app) group(ctx context.Context, args []string) error {
	fs := a.flagSet("group")
	server := fs.String("server", a.serverURL(), "burnlink server URL")
	message := fs.String("m", "", "message text (default: read from stdin)")
	recipients := fs.Int("n", 2, "number of recipient links")
	expires := fs.Duration("expires", 0, "lifetime such as 1h or 72h (default: server setting)")
	burnFirst := fs.Bool("burn-first", false, "burn every link once any one is read")
	maxViews := fs.Int("max-views", 0, "burn every link after this many reads across the group")
	if err := fs.Parse(args); err != nil {
		return errUsage
	}

	body, err := a.messageBody(*message)
	if err != nil {
		return err
	}
	password, err := a.newPassword()
	if err != nil {
		return err
	}
	env, err := core.Encrypt(body, password)
	if err != nil {
		return err
	}

	req := core.CreateGroupRequest{
		WireEnvelope:    env.EncodeWire(),
		RecipientCount:  *recipients,
		BurnOnFirstView: *burnFirst,
		ExpiresIn:       seconds(*expires),
	}
	if *maxViews > 0 {
		req.MaxViews = maxViews
	}

	group, err := core.NewClient(*server, nil).CreateGroup(ctx, req)
	if err != nil {
		return fmt.Errorf("failed to create group: %w", err)
	}

	for _, l := range group.Links {
		fmt.Fprintln(a.stdout, l.URL)
	}
	fmt.Fprintf(a.stderr, "group %s: %d links\n", group.GroupID, len(group.Links))
	return nil
}

func (a *app) status(ctx context.Context, args []string) error {
	link, client, token, err := a.creatorArgs("status", args)
	if err != nil {
		return err
	}

	st, err := client.MessageStatus(ctx, link.ID, token)
	if err != nil {
		return err
	}

	fmt.Fprintln(a.stdout, st.Status)
	if st.Status == "pending" {
		fmt.Fprintf(a.stderr, "viewed %d of %d times\n", st.ViewCount, st.MaxViews)
	}
	return nil
}

func (a *app) revoke(ctx context.Context, args []string) error {
	link, client, token, err := a.creatorArgs("revoke", args)
	if err != nil {
		return err
	}

	if err := client.RevokeMessage(ctx, link.ID, token); err != nil {
		return err
	}
	fmt.Fprintln(a.stdout, "revoked")
	return nil
}

func (a *app) creatorArgs(name string, args []string) (*core.MessageLink, *core.Client, string, error) {
	fs := a.flagSet(name)
	server := fs.String("server", a.serverURL(), "server for bare tokens or slugs")
	token := fs.String("creator", "", "creator token printed by burn send")
	if err := fs.Parse(args); err != nil {
		return nil, nil, "", errUsage
	}
	if fs.NArg() != 1 || *token == "" {
		fmt.Fprintf(a.stderr, "usage: burn %s -creator <token> <link>\n", name)
		return nil, nil, "", errUsage
	}

	link, err := core.ParseMessageLink(fs.Arg(0), *server)
	if err != nil {
		return nil, nil, "", err
	}
	return link, core.NewClient(link.Server, nil), *token, nil
}

// messageBody returns the -m text, or everything on stdin.
func (a *app) messageBody(flagValue string) ([]byte, error) {
	if flagValue != "" {
		return []byte(flagValue), nil
	}

	if f, ok := a.stdin.(*os.File); ok && isTerminal(f) {
		fmt.Fprintln(a.stderr, "Type the message, then Ctrl-D:")
	}
	body, err := io.ReadAll(a.stdin)
	if err != nil {
		return nil, fmt.Errorf("failed to read message: %w", err)
	}
	body = []byte(strings.TrimRight(string(body), "\r\n"))
	if len(body) == 0 {
		return nil, errors.New("message is empty")
	}
	return body, nil
}

func (a *app) newPassword() (string, error) {
	pw, err := a.password("Password: ")
	if err != nil {
		return "", err
	}
	if pw == "" {
		return "", errors.New("password must not be empty")
	}
	confirm, err := a.password("Repeat password: ")
	if err != nil {
		return "", err
	}
	if pw != confirm {
		return "", errors.New("passwords do not match")
	}
	return pw, nil
}

func (a *app) prompt(label string) (string, error) {
	fmt.Fprint(a.stderr, label)
	line, err := bufio.NewReader(a.stdin).ReadString('\n')
	if err != nil && !(errors.Is(err, io.EOF) && line != "") {
		return "", fmt.Errorf("failed to read input: %w", err)
	}
	return strings.TrimSpace(line), nil
}

func describeFetchError(err error) error {
	switch {
	case errors.Is(err, core.ErrNotFound):
		return errors.New("message not found; it may have been read already")
	case errors.Is(err, core.ErrExpired):
		return errors.New("message has expired")
	case errors.Is(err, core.ErrForbidden):
		return errors.New("access denied by the sender's policy")
	default:
		return err
	}
}

func seconds(d time.Duration) *int64 {
	if d <= 0 {
		return nil
	}
	s := int64(d / time.Second)
	return &s
}
