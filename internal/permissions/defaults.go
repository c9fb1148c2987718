package permissions

// Default is the process-wide registry populated at init.
var Default = NewRegistry()

var (
	GroupBackends = &Group{ID: "backends", DisplayName: "Backends", Description: "Managing compute backends."}
	GroupGenerate = &Group{ID: "generate", DisplayName: "Generation", Description: "Running generation jobs."}
)

var (
	ViewBackends = Default.MustRegister(Key{
		ID: "view_backends_list", DisplayName: "View Backends List",
		Description: "Allows viewing the list of backends and their status.",
		Default:     TierPowerUser, Group: GroupBackends,
	})
	AddRemoveBackends = Default.MustRegister(Key{
		ID: "add_remove_backends", DisplayName: "Add/Remove Backends",
		Description: "Allows adding new backends or removing existing ones.",
		Default:     TierAdmin, Group: GroupBackends,
	})
	ToggleBackends = Default.MustRegister(Key{
		ID: "toggle_backends", DisplayName: "Toggle Backends",
		Description: "Allows enabling and disabling backends.",
		Default:     TierAdmin, Group: GroupBackends,
	})
	RestartBackends = Default.MustRegister(Key{
		ID: "restart_backends", DisplayName: "Restart Backends",
		Description: "Allows re-initializing backends and forcing model reloads.",
		Default:     TierAdmin, Group: GroupBackends,
	})
	ControlMemory = Default.MustRegister(Key{
		ID: "control_mem_clean", DisplayName: "Control Memory Cleaning",
		Description: "Allows asking backends to free VRAM and system RAM.",
		Default:     TierPowerUser, Group: GroupBackends,
	})
	Generate = Default.MustRegister(Key{
		ID: "basic_image_generation", DisplayName: "Basic Image Generation",
		Description: "Allows submitting generation jobs.",
		Default:     TierUser, Group: GroupGenerate,
	})
)
