// Package correspond finds corresponding pixels across the views of a light field.
//
// A query takes a reference view and pixel, extracts the square patch around
// that pixel, and for every other view walks a straight line whose direction
// comes from the two camera positions. Each position on the line is scored
// by the sum of squared differences between patches and the lowest score
// per view is reported.
//
// Basic usage:
//
//	vs, err := correspond.NewViewSet(views...)
//	if err != nil {
//		return err
//	}
//	ref, _ := vs.CenterView()
//	eng, err := correspond.New(correspond.Config{PatchRadius: 3})
//	if err != nil {
//		return err
//	}
//	rec, err := eng.FindCorrespondences(ctx, vs, ref, image.Pt(320, 240))
package correspond
