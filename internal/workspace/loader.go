package workspace

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// DailyMemory is one dated entry under memory/.
type DailyMemory struct {
	Name    string
	Content string
}

// Skill is one markdown file under skills/.
type Skill struct {
	Name    string
	Content string
}

// WorkspaceContext holds all loaded workspace data for runtime use.
type WorkspaceContext struct {
	// Raw file contents
	AgentsContent    string
	SoulContent      string
	UserContent      string
	IdentityContent  string
	ToolsContent     string
	MemoryContent    string
	HeartbeatContent string
	BootstrapContent string

	DailyMemories []DailyMemory
	Skills        []Skill

	// Parsed data
	Identity *Identity
	User     *UserProfile
}

// Identity holds parsed agent identity from IDENTITY.md.
type Identity struct {
	Name     string
	Creature string
	Vibe     string
	Emoji    string
}

// UserProfile holds parsed user profile from USER.md.
type UserProfile struct {
	Name             string
	PreferredAddress string
	Pronouns         string
	Timezone         string
	Notes            string
}

// LoaderConfig configures the workspace loader. File names are fixed
// (§6's recognized workspace layout); only the root is configurable.
type LoaderConfig struct {
	Root string
}

// LoadWorkspace loads all recognized workspace files and returns a
// WorkspaceContext. Missing files are treated as empty, not errors.
func LoadWorkspace(cfg LoaderConfig) (*WorkspaceContext, error) {
	root := cfg.Root
	if root == "" {
		root = "."
	}

	ctx := &WorkspaceContext{}
	loadOptional := func(name string) (string, error) {
		return readOptionalFile(filepath.Join(root, name))
	}

	var err error
	if ctx.AgentsContent, err = loadOptional("AGENTS.md"); err != nil {
		return nil, err
	}
	if ctx.SoulContent, err = loadOptional("SOUL.md"); err != nil {
		return nil, err
	}
	if ctx.UserContent, err = loadOptional("USER.md"); err != nil {
		return nil, err
	}
	if ctx.IdentityContent, err = loadOptional("IDENTITY.md"); err != nil {
		return nil, err
	}
	if ctx.ToolsContent, err = loadOptional("TOOLS.md"); err != nil {
		return nil, err
	}
	if ctx.MemoryContent, err = loadOptional("MEMORY.md"); err != nil {
		return nil, err
	}
	if ctx.HeartbeatContent, err = loadOptional("HEARTBEAT.md"); err != nil {
		return nil, err
	}
	if ctx.BootstrapContent, err = loadOptional("BOOTSTRAP.md"); err != nil {
		return nil, err
	}

	if ctx.DailyMemories, err = loadRecentDailyMemories(root, 2); err != nil {
		return nil, err
	}
	if ctx.Skills, err = loadSkills(root); err != nil {
		return nil, err
	}

	if ctx.IdentityContent != "" {
		ctx.Identity = parseIdentity(ctx.IdentityContent)
	}
	if ctx.UserContent != "" {
		ctx.User = parseUserProfile(ctx.UserContent)
	}

	return ctx, nil
}

// loadRecentDailyMemories reads memory/YYYY-MM-DD.md for today and the
// preceding days-1 days, skipping any that don't exist.
func loadRecentDailyMemories(root string, days int) ([]DailyMemory, error) {
	dir := filepath.Join(root, "memory")
	if _, err := os.Stat(dir); err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var entries []DailyMemory
	today := time.Now()
	for i := 0; i < days; i++ {
		name := today.AddDate(0, 0, -i).Format("2006-01-02") + ".md"
		content, err := readOptionalFile(filepath.Join(dir, name))
		if err != nil {
			return nil, err
		}
		if content == "" {
			continue
		}
		entries = append(entries, DailyMemory{Name: name, Content: content})
	}
	return entries, nil
}

// loadSkills reads every *.md file under skills/, sorted by name.
func loadSkills(root string) ([]Skill, error) {
	dir := filepath.Join(root, "skills")
	files, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var skills []Skill
	for _, f := range files {
		if f.IsDir() || !strings.HasSuffix(f.Name(), ".md") {
			continue
		}
		content, err := readOptionalFile(filepath.Join(dir, f.Name()))
		if err != nil {
			return nil, err
		}
		if content == "" {
			continue
		}
		skills = append(skills, Skill{Name: f.Name(), Content: content})
	}
	sort.Slice(skills, func(i, j int) bool { return skills[i].Name < skills[j].Name })
	return skills, nil
}

// LoadSoul loads just the SOUL.md file content.
func LoadSoul(root string) (string, error) {
	return readFile(filepath.Join(root, "SOUL.md"))
}

// LoadUser loads and parses the USER.md file.
func LoadUser(root string) (*UserProfile, error) {
	content, err := readFile(filepath.Join(root, "USER.md"))
	if err != nil {
		return nil, err
	}
	return parseUserProfile(content), nil
}

// LoadIdentity loads and parses the IDENTITY.md file.
func LoadIdentity(root string) (*Identity, error) {
	content, err := readFile(filepath.Join(root, "IDENTITY.md"))
	if err != nil {
		return nil, err
	}
	return parseIdentity(content), nil
}

// LoadMemory loads the MEMORY.md file content.
func LoadMemory(root string) (string, error) {
	return readFile(filepath.Join(root, "MEMORY.md"))
}

// SystemPromptContext generates context to inject into system prompts.
// Mirrors the section order of the workspace's own build-context routine:
// SOUL, then identity framing, then AGENTS/TOOLS/USER, then long-term and recent
// daily memory, then skills. HEARTBEAT.md and BOOTSTRAP.md are deliberately
// excluded — they're read on demand (heartbeat runs, first-turn setup), not
// injected into every chat turn.
func (w *WorkspaceContext) SystemPromptContext() string {
	var parts []string

	if w.SoulContent != "" {
		parts = append(parts, w.SoulContent)
	}

	if w.Identity != nil && w.Identity.Name != "" {
		parts = append(parts, fmt.Sprintf("Your name is %s.", w.Identity.Name))
		if w.Identity.Creature != "" {
			parts = append(parts, fmt.Sprintf("You are a %s.", w.Identity.Creature))
		}
		if w.Identity.Vibe != "" {
			parts = append(parts, fmt.Sprintf("Your vibe is %s.", w.Identity.Vibe))
		}
		if w.Identity.Emoji != "" {
			parts = append(parts, fmt.Sprintf("Your emoji is %s.", w.Identity.Emoji))
		}
	}

	if w.AgentsContent != "" {
		parts = append(parts, w.AgentsContent)
	}

	if w.ToolsContent != "" {
		parts = append(parts, w.ToolsContent)
	}

	if w.User != nil && w.User.Name != "" {
		addr := w.User.PreferredAddress
		if addr == "" {
			addr = w.User.Name
		}
		parts = append(parts, fmt.Sprintf("You are talking to %s (address them as %s).", w.User.Name, addr))
		if w.User.Timezone != "" {
			parts = append(parts, fmt.Sprintf("Their timezone is %s.", w.User.Timezone))
		}
	}

	if w.MemoryContent != "" {
		parts = append(parts, w.MemoryContent)
	}

	for _, daily := range w.DailyMemories {
		parts = append(parts, fmt.Sprintf("## memory/%s\n%s", daily.Name, daily.Content))
	}

	for _, skill := range w.Skills {
		parts = append(parts, fmt.Sprintf("## skills/%s\n%s", skill.Name, skill.Content))
	}

	return strings.Join(parts, "\n\n---\n\n")
}

// Helper functions

func readFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func readOptionalFile(path string) (string, error) {
	content, err := readFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", err
	}
	return content, nil
}

// parseIdentity parses IDENTITY.md format:
// - Name: value
// - Creature: value
// etc.
func parseIdentity(content string) *Identity {
	id := &Identity{}
	scanner := bufio.NewScanner(strings.NewReader(content))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if key, val := parseKeyValue(line); key != "" {
			switch strings.ToLower(key) {
			case "name":
				id.Name = val
			case "creature":
				id.Creature = val
			case "vibe":
				id.Vibe = val
			case "emoji":
				id.Emoji = val
			}
		}
	}
	return id
}

// parseUserProfile parses USER.md format:
// - Name: value
// - Preferred address: value
// etc.
func parseUserProfile(content string) *UserProfile {
	user := &UserProfile{}
	scanner := bufio.NewScanner(strings.NewReader(content))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if key, val := parseKeyValue(line); key != "" {
			switch strings.ToLower(key) {
			case "name":
				user.Name = val
			case "preferred address":
				user.PreferredAddress = val
			case "pronouns", "pronouns (optional)":
				user.Pronouns = val
			case "timezone", "timezone (optional)":
				user.Timezone = val
			case "notes":
				user.Notes = val
			}
		}
	}
	return user
}

// parseKeyValue extracts key-value from lines like "- Key: Value" or "Key: Value"
func parseKeyValue(line string) (string, string) {
	line = strings.TrimSpace(line)
	line = strings.TrimPrefix(line, "-")
	line = strings.TrimSpace(line)

	idx := strings.Index(line, ":")
	if idx == -1 {
		return "", ""
	}

	key := strings.TrimSpace(line[:idx])
	val := strings.TrimSpace(line[idx+1:])
	return key, val
}
