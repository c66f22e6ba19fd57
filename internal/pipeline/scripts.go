package pipeline

import (
	"fmt"
	"path"
	"strings"

	"github.com/dante-gpu/experiment-orchestrator/internal/models"
	"github.com/dante-gpu/experiment-orchestrator/internal/provision"
)

// cloneCommand checks the experiment branch out into its work directory.
func cloneCommand(img *models.Image, expID, appURL string) string {
	workDir := img.WorkDir(expID)
	return fmt.Sprintf("mkdir -p %s && rm -rf %s && git clone -b %s %s %s",
		provision.Quote(img.WorkPath),
		provision.Quote(workDir),
		provision.Quote(expID+"-L"),
		provision.Quote(appURL),
		provision.Quote(workDir),
	)
}

// inputCommand copies the experiment's input data next to the instance's
// other inputs.
func inputCommand(img *models.Image, expID, inputURL string) string {
	inputDir := img.InputDir(expID)
	return fmt.Sprintf("mkdir -p %s && rsync -Lr %s/* %s",
		provision.Quote(inputDir),
		provision.Quote(inputURL),
		provision.Quote(inputDir),
	)
}

// statusInitCommand writes the first status of a deployed experiment. The
// target path is the command's last word.
func statusInitCommand(workDir string) string {
	return fmt.Sprintf(`echo -n "%s" > %s`, models.StatusDeployed, provision.Quote(path.Join(workDir, models.StatusFileName)))
}

// scriptSpec parameterizes the build and run wrappers.
type scriptSpec struct {
	running, succeeded, failed models.ExperimentStatus
	logFile, exitCodeFile      string
}

var (
	compileSpec = scriptSpec{
		running:      models.StatusCompiling,
		succeeded:    models.StatusCompiled,
		failed:       models.StatusFailedCompilation,
		logFile:      models.CompilationLogFileName,
		exitCodeFile: models.CompilationExitCodeFileName,
	}
	executeSpec = scriptSpec{
		running:      models.StatusExecuting,
		succeeded:    models.StatusExecuted,
		failed:       models.StatusFailedExecution,
		logFile:      models.ExecutionLogFileName,
		exitCodeFile: models.ExecutionExitCodeFileName,
	}
)

// wrapScript runs an application script in workDir, keeping its output in
// the log file, its exit code in the exit code file and the outcome in the
// status file.
func wrapScript(spec scriptSpec, workDir, script string) string {
	lines := []string{
		"#!/bin/sh",
		"cd " + provision.Quote(workDir),
		fmt.Sprintf(`echo -n "%s" > %s`, spec.running, models.StatusFileName),
		fmt.Sprintf("./%s > %s 2>&1", script, spec.logFile),
		"RETVAL=$?",
		"if [ $RETVAL -eq 0 ]; then",
		fmt.Sprintf(`  echo -n "%s" > %s`, spec.succeeded, models.StatusFileName),
		"else",
		fmt.Sprintf(`  echo -n "%s" > %s`, spec.failed, models.StatusFileName),
		"fi",
		fmt.Sprintf("echo -n $RETVAL > %s", spec.exitCodeFile),
	}
	return strings.Join(lines, "\n") + "\n"
}

// uploadCommand copies the output archive to url: an HTTP PUT for http(s)
// URLs, such as presigned bucket URLs, scp otherwise.
func uploadCommand(workDir, url string) string {
	archive := provision.Quote(path.Join(workDir, models.OutputArchiveFileName))
	if strings.HasPrefix(url, "http://") || strings.HasPrefix(url, "https://") {
		return fmt.Sprintf("curl -sSf -T %s %s", archive, provision.Quote(url))
	}
	return fmt.Sprintf("scp -o StrictHostKeyChecking=no %s %s", archive, provision.Quote(strings.TrimSuffix(url, "/")+"/"))
}
