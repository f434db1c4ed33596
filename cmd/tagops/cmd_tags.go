package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/yairfalse/tagops/internal/operation"
	"github.com/yairfalse/tagops/internal/orchestrator"
	"github.com/yairfalse/tagops/internal/printer"
	"github.com/yairfalse/tagops/internal/request"
)

func newTagsCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tags",
		Short: "Manage tag values and tag bindings",
	}

	values := &cobra.Command{
		Use:   "values",
		Short: "Manage tag values",
	}
	values.AddCommand(newValuesCreateCmd(a))

	bindings := &cobra.Command{
		Use:   "bindings",
		Short: "Manage the tags bound to resources",
	}
	bindings.AddCommand(newBindingsListCmd(a))
	bindings.AddCommand(newBindingsUpdateCmd(a))

	cmd.AddCommand(values, bindings)
	return cmd
}

func newValuesCreateCmd(a *app) *cobra.Command {
	var (
		parent      string
		description string
		async       bool
	)

	cmd := &cobra.Command{
		Use:   "create SHORT_NAME",
		Short: "Create a tag value",
		Long: `Create a tag value under a tag key.

--parent accepts a tag key ID (tagKeys/123) or its namespaced name
(ORGANIZATION_ID/KEY_SHORT_NAME or PROJECT_ID/KEY_SHORT_NAME).`,
		Example: `  tagops tags values create prod --parent=tagKeys/123
  tagops tags values create prod --parent=123456/env --description="Production"
  tagops tags values create prod --parent=tagKeys/123 --async`,
		Args: exactArgs(1, "SHORT_NAME"),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			shortName := args[0]
			if err := requireFlag("parent", parent); err != nil {
				return err
			}

			tagKey, err := a.parentResolver().Resolve(ctx, parent)
			if err != nil {
				return err
			}

			op, err := a.orchestrator().Run(ctx, orchestrator.Mutation{
				Request: request.NewCreateTagValue(shortName, tagKey, description),
				Async:   async,
				Pending: fmt.Sprintf("Waiting for TagValue [%s] to be created...", shortName),
				Done: func(op *operation.Operation) string {
					return fmt.Sprintf("Created TagValue [%s].", responseName(op))
				},
			})
			if err != nil {
				return err
			}
			return a.printResult(op)
		},
	}

	cmd.Flags().StringVar(&parent, "parent", "", "Parent tag key, by ID or namespaced name")
	cmd.Flags().StringVar(&description, "description", "", "User-assigned description of the tag value")
	cmd.Flags().BoolVar(&async, "async", false, "Return immediately without waiting for the operation")

	return cmd
}

func newBindingsListCmd(a *app) *cobra.Command {
	var q orchestrator.BindingQuery

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List the tags bound to a resource",
		Long: `List the tag bindings attached to a resource.

--effective lists every tag in effect on the resource, including tags
inherited from its ancestors. On the alpha release track the resource's
tag binding collection is read instead, which includes freeform tags.`,
		Example: `  tagops tags bindings list --parent=//cloudresourcemanager.googleapis.com/projects/123
  tagops tags bindings list --parent=//compute.googleapis.com/projects/p/zones/us-east1-b/instances/vm --location=us-east1-b
  tagops tags bindings list --parent=//cloudresourcemanager.googleapis.com/projects/123 --effective`,
		Args: exactArgs(0),
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := requireFlag("parent", q.Parent); err != nil {
				return err
			}
			lister := orchestrator.NewBindingLister(a.capabilities(), a.client, a.endpoints)
			n, err := printer.PrintSeq(a.printer, lister.List(cmd.Context(), q), a.stdout)
			if err != nil {
				return err
			}
			a.logger.Debug().Int("items", n).Msg("listed bindings")
			return nil
		},
	}

	cmd.Flags().StringVar(&q.Parent, "parent", "", "Full resource name of the resource")
	cmd.Flags().StringVar(&q.Location, "location", "", "Region or zone of the resource, for non-global resources")
	cmd.Flags().BoolVar(&q.Effective, "effective", false, "Show effective tags, including inherited ones")
	cmd.Flags().IntVar(&q.PageSize, "page-size", 0, "Results per page, 0 for the server default")

	return cmd
}

func newBindingsUpdateCmd(a *app) *cobra.Command {
	var (
		location  string
		tagPairs  []string
		removeTag []string
		clearTags bool
		async     bool
	)

	cmd := &cobra.Command{
		Use:   "update RESOURCE_NAME",
		Short: "Replace the tags bound to a resource (alpha)",
		Long: `Update the key/value tags bound to a resource, including freeform tags.

The current tags are read first; --clear-tags, --remove-tags and --tags are
applied to them in that order and the result replaces the resource's tags.
Only available on the alpha release track.`,
		Example: `  tagops --release-track=alpha tags bindings update //cloudresourcemanager.googleapis.com/projects/123 --tags=env=prod,team=web
  tagops --release-track=alpha tags bindings update //compute.googleapis.com/projects/p/zones/us-east1-b/instances/vm --location=us-east1-b --remove-tags=tmp`,
		Args: exactArgs(1, "RESOURCE_NAME"),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if err := a.capabilities().RequireFreeformTags("tags bindings update"); err != nil {
				return err
			}

			update, err := request.ParseTagPairs(tagPairs)
			if err != nil {
				return err
			}

			req, err := orchestrator.PrepareBindingsUpdate(ctx, a.client, a.endpoints, orchestrator.BindingEdit{
				ResourceName: args[0],
				Location:     location,
				Update:       update,
				Remove:       removeTag,
				Clear:        clearTags,
			})
			if err != nil {
				return err
			}

			// Operations for regional collections live on the regional
			// endpoint, so polling stays inside the override too.
			var op *operation.Operation
			err = a.endpoints.WithLocation(req.Location(), func() error {
				var err error
				op, err = a.orchestrator().Run(ctx, orchestrator.Mutation{
					Request: req,
					Async:   async,
					Pending: fmt.Sprintf("Waiting for tags on [%s] to be updated...", req.FullResourceName()),
					Done: func(*operation.Operation) string {
						return fmt.Sprintf("Updated tags on [%s].", req.FullResourceName())
					},
				})
				return err
			})
			if err != nil {
				return err
			}
			return a.printResult(op)
		},
	}

	cmd.Flags().StringVar(&location, "location", "", "Region or zone of the resource, for non-global resources")
	cmd.Flags().StringSliceVar(&tagPairs, "tags", nil, "Tags to add or overwrite, as KEY=VALUE pairs")
	cmd.Flags().StringSliceVar(&removeTag, "remove-tags", nil, "Tag keys to remove")
	cmd.Flags().BoolVar(&clearTags, "clear-tags", false, "Remove every tag before applying --tags")
	cmd.Flags().BoolVar(&async, "async", false, "Return immediately without waiting for the operation")

	return cmd
}
