package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/labtrack/labtrack/internal/domain/specimen"
)

// optional returns nil for an unset flag value.
func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func groupCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "group",
		Short: "Manage participant groups",
	}

	var req specimen.GroupRequest
	var externalID string
	createCmd := &cobra.Command{
		Use:   "create TITLE",
		Short: "Create a participant group",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, closeApp, err := c.open(cmd.Context())
			if err != nil {
				return err
			}
			defer closeApp()

			req.Title = args[0]
			req.ExternalID = optional(externalID)
			g, err := a.svc.CreateGroup(cmd.Context(), req)
			if err != nil {
				return err
			}
			success(cmd.OutOrStdout(), "group %s created (%s, %d participants)", g.AccessionID, g.Title, g.ParticipantCount)
			return nil
		},
	}
	createCmd.Flags().IntVar(&req.ParticipantCount, "participants", 1, "Number of participants")
	createCmd.Flags().StringVar(&externalID, "external-id", "", "Identifier in the partner system")
	createCmd.Flags().BoolVar(&req.IsControl, "control", false, "Control group; results are never published")
	createCmd.Flags().BoolVar(&req.ViralWebHookEnabled, "viral-webhook", false, "Publish viral results")
	createCmd.Flags().BoolVar(&req.AntibodyWebHookEnabled, "antibody-webhook", false, "Publish antibody results")
	createCmd.Flags().BoolVar(&req.ExternalProcessingWebHookEnabled, "external-webhook", false, "Publish tubes sent for external processing")
	cmd.AddCommand(createCmd)

	return cmd
}

func tubeCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tube",
		Short: "Move tubes through their lifecycle",
	}

	var count int
	createCmd := &cobra.Command{
		Use:   "create [ACCESSION_ID]",
		Short: "Register tubes, with a given or generated accession ID",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, closeApp, err := c.open(cmd.Context())
			if err != nil {
				return err
			}
			defer closeApp()

			if len(args) == 1 {
				t, err := a.svc.CreateTube(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				success(cmd.OutOrStdout(), "tube %s created", t.AccessionID)
				return nil
			}
			tubes, err := a.svc.CreateTubes(cmd.Context(), count)
			if err != nil {
				return err
			}
			for _, t := range tubes {
				fmt.Fprintln(cmd.OutOrStdout(), t.AccessionID)
			}
			success(cmd.OutOrStdout(), "%d tube(s) created", len(tubes))
			return nil
		},
	}
	createCmd.Flags().IntVar(&count, "count", 1, "Number of tubes to generate")

	var group, tubeType, collectedAt string
	dropOffCmd := &cobra.Command{
		Use:   "drop-off TUBE",
		Short: "Record a returned tube and allocate its specimen",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			collected, err := specimen.ParseTimestamp(collectedAt)
			if err != nil {
				return err
			}
			a, closeApp, err := c.open(cmd.Context())
			if err != nil {
				return err
			}
			defer closeApp()

			t, sp, err := a.svc.DropOff(cmd.Context(), specimen.DropOffRequest{
				TubeAccessionID:  args[0],
				GroupAccessionID: group,
				TubeType:         specimen.TubeType(tubeType),
				CollectedAt:      collected,
			})
			if err != nil {
				return err
			}
			success(cmd.OutOrStdout(), "tube %s dropped off, specimen %s", t.AccessionID, sp.AccessionID)
			return nil
		},
	}
	dropOffCmd.Flags().StringVar(&group, "group", "", "Participant group accession ID")
	dropOffCmd.Flags().StringVar(&tubeType, "type", "", "Tube type: saliva, swab or blood")
	dropOffCmd.Flags().StringVar(&collectedAt, "collected-at", "", "Collection time, RFC 3339 or UTC")
	dropOffCmd.MarkFlagRequired("group")
	dropOffCmd.MarkFlagRequired("type")
	dropOffCmd.MarkFlagRequired("collected-at")

	var reject bool
	var reason, checkedInBy string
	checkInCmd := &cobra.Command{
		Use:   "check-in TUBE",
		Short: "Accept or reject a dropped-off tube",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, closeApp, err := c.open(cmd.Context())
			if err != nil {
				return err
			}
			defer closeApp()

			decision := specimen.TubeAccepted
			if reject {
				decision = specimen.TubeRejected
			}
			t, err := a.svc.CheckIn(cmd.Context(), specimen.CheckInRequest{
				TubeAccessionID: args[0],
				Decision:        decision,
				Reason:          reason,
				CheckedInBy:     checkedInBy,
			})
			if err != nil {
				return err
			}
			success(cmd.OutOrStdout(), "tube %s %s", t.AccessionID, strings.ToLower(string(t.Status)))
			return nil
		},
	}
	checkInCmd.Flags().BoolVar(&reject, "reject", false, "Reject instead of accept")
	checkInCmd.Flags().StringVar(&reason, "reason", "", "Rejection reason")
	checkInCmd.Flags().StringVar(&checkedInBy, "by", "", "Who checked the tube in")

	externalCmd := &cobra.Command{
		Use:   "external TUBE",
		Short: "Mark a tube as sent for external processing",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, closeApp, err := c.open(cmd.Context())
			if err != nil {
				return err
			}
			defer closeApp()

			t, err := a.svc.MarkExternalProcessing(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			success(cmd.OutOrStdout(), "tube %s queued for external processing", t.AccessionID)
			return nil
		},
	}

	cmd.AddCommand(createCmd, dropOffCmd, checkInCmd, externalCmd)
	return cmd
}

func plateCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "plate",
		Short: "Manage well plates and specimen placement",
	}

	var location string
	createCmd := &cobra.Command{
		Use:   "create BARCODE",
		Short: "Register a well plate",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, closeApp, err := c.open(cmd.Context())
			if err != nil {
				return err
			}
			defer closeApp()

			p, err := a.svc.CreatePlate(cmd.Context(), args[0], location)
			if err != nil {
				return err
			}
			success(cmd.OutOrStdout(), "plate %s created", p.Barcode)
			return nil
		},
	}
	createCmd.Flags().StringVar(&location, "location", "", "Storage location")

	var plate, position, wellID string
	placeCmd := &cobra.Command{
		Use:   "place TUBE",
		Short: "Place the specimen of an accepted tube on a plate",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, closeApp, err := c.open(cmd.Context())
			if err != nil {
				return err
			}
			defer closeApp()

			w, err := a.svc.PlaceSpecimen(cmd.Context(), specimen.PlaceRequest{
				TubeAccessionID: args[0],
				PlateBarcode:    plate,
				Position:        optional(position),
				WellIdentifier:  optional(wellID),
			})
			if err != nil {
				return err
			}
			success(cmd.OutOrStdout(), "well %d on %s at %s", w.ID, plate, orDash(w.NormalizedPosition))
			return nil
		},
	}
	placeCmd.Flags().StringVar(&plate, "plate", "", "Plate barcode")
	placeCmd.Flags().StringVar(&position, "position", "", "Well position, e.g. A1 or G04")
	placeCmd.Flags().StringVar(&wellID, "well-id", "", "Free-form well identifier")
	placeCmd.MarkFlagRequired("plate")

	showCmd := &cobra.Command{
		Use:   "show BARCODE",
		Short: "List the wells of a plate",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, closeApp, err := c.open(cmd.Context())
			if err != nil {
				return err
			}
			defer closeApp()

			p, err := a.svc.GetPlate(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			renderPlate(cmd.OutOrStdout(), p)
			return nil
		},
	}

	cmd.AddCommand(createCmd, placeCmd, showCmd)
	return cmd
}

func resultCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "result",
		Short: "Record assay results",
	}

	var kind, conclusion, signal string
	var ct float64
	var wellID int64
	recordCmd := &cobra.Command{
		Use:   "record SPECIMEN",
		Short: "Record a viral or antibody result for an accepted specimen",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			k, err := specimen.ParseResultKind(kind)
			if err != nil {
				return err
			}
			req := specimen.ResultRequest{SpecimenAccessionID: args[0], Kind: k}
			if conclusion != "" {
				cc := specimen.Conclusion(strings.ToUpper(conclusion))
				req.Conclusion = &cc
			}
			if cmd.Flags().Changed("ct") {
				req.CtValue = &ct
			}
			req.Signal = optional(signal)
			if cmd.Flags().Changed("well") {
				req.WellID = &wellID
			}

			a, closeApp, err := c.open(cmd.Context())
			if err != nil {
				return err
			}
			defer closeApp()

			r, err := a.svc.RecordResult(cmd.Context(), req)
			if err != nil {
				return err
			}
			status := "-"
			if r.WebHookStatus != nil {
				status = string(*r.WebHookStatus)
			}
			success(cmd.OutOrStdout(), "result %d recorded (%s, webhook %s)", r.ID, r.Kind, status)
			return nil
		},
	}
	recordCmd.Flags().StringVar(&kind, "kind", "", "Result kind: viral or antibody")
	recordCmd.Flags().StringVar(&conclusion, "conclusion", "", "Interpretation, e.g. NEGATIVE")
	recordCmd.Flags().Float64Var(&ct, "ct", 0, "qPCR cycle threshold (viral)")
	recordCmd.Flags().StringVar(&signal, "signal", "", "Assay signal (antibody)")
	recordCmd.Flags().Int64Var(&wellID, "well", 0, "Well the result was measured in")
	recordCmd.MarkFlagRequired("kind")

	cmd.AddCommand(recordCmd)
	return cmd
}
