package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/yairfalse/tagops/internal/orchestrator"
	"github.com/yairfalse/tagops/internal/request"
)

func newArtifactsCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "artifacts",
		Short: "Manage Artifact Registry artifacts",
	}

	tags := &cobra.Command{
		Use:   "tags",
		Short: "Manage artifact tags",
	}
	tags.AddCommand(newArtifactsExportCmd(a))

	cmd.AddCommand(tags)
	return cmd
}

func newArtifactsExportCmd(a *app) *cobra.Command {
	var (
		destination string
		location    string
		repository  string
		pkg         string
	)

	cmd := &cobra.Command{
		Use:   "export TAG",
		Short: "Export the artifact a tag points at to Cloud Storage",
		Long: `Export the artifact version a tag points at to a Cloud Storage path.

TAG is either a tag ID, combined with --project, --location, --repository
and --package, or a full name of the form
projects/P/locations/L/repositories/R/packages/PKG/tags/T.

The export runs asynchronously. Use "tagops operations wait" with the
printed operation name to wait for it.`,
		Example: `  tagops artifacts tags export v1 --project=p --location=us --repository=repo --package=app --gcs-destination=gs://bucket/exports
  tagops artifacts tags export projects/p/locations/us/repositories/repo/packages/app/tags/v1 --gcs-destination=bucket/exports`,
		Args: exactArgs(1, "TAG"),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireFlag("gcs-destination", destination); err != nil {
				return err
			}

			var (
				tag request.TagRef
				err error
			)
			if request.IsFullTagName(args[0]) {
				tag, err = request.ParseTagRef(args[0])
			} else {
				tag, err = request.NewTagRef(a.cfg.Project, location, repository, pkg, args[0])
			}
			if err != nil {
				return err
			}

			req := request.NewExportArtifact(tag, destination)
			_, err = a.orchestrator().Run(cmd.Context(), orchestrator.Mutation{
				Request: req,
				Async:   true,
				Issued:  fmt.Sprintf("Export request issued from [%s] to [%s].", tag.Name(), req.Destination()),
			})
			return err
		},
	}

	cmd.Flags().StringVar(&destination, "gcs-destination", "", "Cloud Storage path to export to, with or without gs://")
	cmd.Flags().StringVar(&location, "location", "", "Location of the repository")
	cmd.Flags().StringVar(&repository, "repository", "", "Repository holding the package")
	cmd.Flags().StringVar(&pkg, "package", "", "Package holding the tag")

	return cmd
}
