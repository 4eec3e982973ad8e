package config

const (
	defaultMatlabCmd        = "matlab"
	defaultPythonCmd        = "python3"
	defaultITKSnapCmd       = "itksnap"
	defaultFMRIPrepImage    = "nipreps/fmriprep:latest"
	defaultFMRIPrepThreads  = 8
	defaultFMRIPrepMemMB    = 32000
	defaultMaskMethod       = MaskMethodBET
	defaultBETFrac          = 0.3
	defaultBETGrad          = -0.1
	defaultSinusDilate      = 1
	defaultMaxIterations    = 5
	defaultLogFormat        = "console"
	defaultLogLevel         = "info"
	defaultContainerRuntime = RuntimeDocker
)

// Masking methods.
const (
	MaskMethodBET = "bet"
	MaskMethodSPM = "spm"
)

// Container runtimes able to run the fMRIprep image.
const (
	RuntimeDocker = "docker"
	RuntimePodman = "podman"
)

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		Tools: Tools{
			MatlabCmd:        defaultMatlabCmd,
			PythonCmd:        defaultPythonCmd,
			ITKSnapCmd:       defaultITKSnapCmd,
			ContainerRuntime: defaultContainerRuntime,
		},
		FMRIPrep: FMRIPrep{
			Image:        defaultFMRIPrepImage,
			NThreads:     defaultFMRIPrepThreads,
			MemMB:        defaultFMRIPrepMemMB,
			OutputSpaces: []string{"T1w", "fsnative"},
		},
		Mask: Mask{
			DefaultMethod: defaultMaskMethod,
			BETFrac:       defaultBETFrac,
			BETGrad:       defaultBETGrad,
		},
		Sinus: Sinus{
			BETFrac:      defaultBETFrac,
			BETGrad:      defaultBETGrad,
			DilatePasses: defaultSinusDilate,
		},
		Iteration: Iteration{
			MaxIterations: defaultMaxIterations,
		},
		Logging: Logging{
			Format: defaultLogFormat,
			Level:  defaultLogLevel,
		},
	}
}
