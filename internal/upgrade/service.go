package upgrade

import "context"

// ScriptServiceController implements ServiceController by running the
// component's own declared stop/start/health-check shell commands through
// a SubprocessRunner — components register their commands at install time
// (skills/<name>/service.json, outside this package's scope); this type
// just executes whatever three commands it is given.
type ScriptServiceController struct {
	subprocess *SubprocessRunner
	commands   map[string]ServiceCommands
}

// ServiceCommands names the three shell commands a component exposes for
// upgrade coordination.
type ServiceCommands struct {
	Stop   string
	Start  string
	Health string // exits 0 when online
}

var _ ServiceController = (*ScriptServiceController)(nil)

// NewScriptServiceController builds a controller over the given
// name -> commands map.
func NewScriptServiceController(subprocess *SubprocessRunner, commands map[string]ServiceCommands) *ScriptServiceController {
	return &ScriptServiceController{subprocess: subprocess, commands: commands}
}

func (c *ScriptServiceController) Stop(ctx context.Context, name string) error {
	cmds, ok := c.commands[name]
	if !ok {
		return nil
	}
	_, err := c.subprocess.Run(ctx, cmds.Stop)
	return err
}

func (c *ScriptServiceController) Start(ctx context.Context, name string) error {
	cmds, ok := c.commands[name]
	if !ok {
		return nil
	}
	_, err := c.subprocess.Run(ctx, cmds.Start)
	return err
}

func (c *ScriptServiceController) IsOnline(ctx context.Context, name string) (bool, error) {
	cmds, ok := c.commands[name]
	if !ok || cmds.Health == "" {
		return true, nil
	}
	result, err := c.subprocess.Run(ctx, cmds.Health)
	if err != nil {
		return false, nil //nolint:nilerr // a failing health check means "not online", not a transport error
	}
	return result.ExitCode == 0, nil
}
